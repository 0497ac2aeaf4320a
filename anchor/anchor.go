// Package anchor implements the objects that pin a fixed world coordinate
// into the local scene once the session origin is known.
package anchor

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
)

// DefaultMaxDistance is the activation radius used when none is configured.
const DefaultMaxDistance = 1000.0

// Pose is the scene object an anchor positions. The anchor writes to it but
// does not own it.
type Pose interface {
	SetLocalPosition(model.LocalPosition)
	SetActive(bool)
}

// Origin is the read side of the origin manager an anchor needs.
type Origin interface {
	CurrentCellID() (model.CellID, error)
}

// Transformer converts world coordinates into the local frame.
type Transformer interface {
	ToLocal(c model.GeoCoordinate, altitude float64, origin model.CellID) (model.LocalPosition, error)
}

// Registrar is where anchors register for the origin event.
type Registrar interface {
	Register(origin.Listener)
	Deregister(origin.Listener)
}

// ActivationRecorder is notified whenever an anchor evaluates its position.
type ActivationRecorder interface {
	RecordActivation(activated bool)
}

// Config describes an anchor.
type Config struct {
	ID          string
	Name        string
	Coordinate  model.GeoCoordinate
	Altitude    float64
	MaxDistance float64 // defaults to DefaultMaxDistance
	// ValidRadius is the distance up to which the planar approximation has
	// been validated. Zero disables the check.
	ValidRadius float64
}

// Anchor positions a Pose at a fixed world coordinate relative to the session
// origin. Its pose stays inactive until the origin is established and the
// anchor lies within MaxDistance of it.
//
// The callbacks run on the origin manager's owner goroutine; the accessors
// may be read from any goroutine.
type Anchor struct {
	mu sync.RWMutex

	id          string
	name        string
	coord       model.GeoCoordinate
	altitude    float64
	maxDistance float64
	validRadius float64

	origin  Origin
	xform   Transformer
	pose    Pose
	log     logging.Logger
	metrics ActivationRecorder

	instantiated bool
	active       bool
	local        model.LocalPosition
	lastErr      error
	registrar    Registrar
}

// Option configures an Anchor.
type Option func(*Anchor)

// WithLogger sets the anchor's logger.
func WithLogger(l logging.Logger) Option {
	return func(a *Anchor) { a.log = logging.OrNoop(l) }
}

// WithActivationRecorder attaches a metrics sink.
func WithActivationRecorder(r ActivationRecorder) Option {
	return func(a *Anchor) { a.metrics = r }
}

// New constructs an anchor. The origin and transformer are usually the
// origin.Manager and its cellindex.Index.
func New(cfg Config, o Origin, xform Transformer, pose Pose, opts ...Option) (*Anchor, error) {
	if o == nil || xform == nil || pose == nil {
		return nil, errors.New("anchor: origin, transformer and pose are required")
	}
	if err := cfg.Coordinate.Validate(); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = DefaultMaxDistance
	}
	a := &Anchor{
		id:          cfg.ID,
		name:        cfg.Name,
		coord:       cfg.Coordinate,
		altitude:    cfg.Altitude,
		maxDistance: cfg.MaxDistance,
		validRadius: cfg.ValidRadius,
		origin:      o,
		xform:       xform,
		pose:        pose,
		log:         logging.Noop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logging.String("anchor_id", a.id), logging.String("anchor", a.name))
	return a, nil
}

// Start hides the pose and registers with r. If the origin is already
// established the anchor is positioned before Start returns.
func (a *Anchor) Start(r Registrar) {
	a.pose.SetActive(false)
	a.mu.Lock()
	a.registrar = r
	a.mu.Unlock()
	r.Register(a)
}

// Stop deregisters the anchor.
func (a *Anchor) Stop() {
	a.mu.Lock()
	r := a.registrar
	a.registrar = nil
	a.mu.Unlock()
	if r != nil {
		r.Deregister(a)
	}
}

// OriginEstablished positions the pose relative to the new origin and
// activates it when it lies within MaxDistance.
func (a *Anchor) OriginEstablished() {
	a.mu.Lock()
	a.instantiated = true
	a.mu.Unlock()

	a.log.Debug(context.Background(), "origin event")
	if err := a.recompute(); err != nil {
		return
	}

	a.mu.Lock()
	within := a.withinMaxDistanceLocked()
	if within {
		a.active = true
	}
	a.mu.Unlock()

	if within {
		a.pose.SetActive(true)
	} else {
		a.log.Info(context.Background(), "anchor beyond max distance; staying inactive",
			logging.Float64("distance", a.LocalPosition().Magnitude()),
			logging.Float64("max_distance", a.MaxDistance()),
		)
	}
	if a.metrics != nil {
		a.metrics.RecordActivation(within)
	}
}

// SetCoordinate moves the anchor. Once the origin is known the pose is
// repositioned immediately.
func (a *Anchor) SetCoordinate(c model.GeoCoordinate) error {
	if err := c.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	a.coord = c
	a.mu.Unlock()
	return a.recompute()
}

// SetAltitude changes the anchor's height above the ellipsoid.
func (a *Anchor) SetAltitude(alt float64) error {
	a.mu.Lock()
	a.altitude = alt
	a.mu.Unlock()
	return a.recompute()
}

// WithinMaxDistance reports whether the last computed position lies strictly
// inside MaxDistance of the origin.
func (a *Anchor) WithinMaxDistance() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.withinMaxDistanceLocked()
}

func (a *Anchor) ID() string   { return a.id }
func (a *Anchor) Name() string { return a.name }

// Coordinate returns the anchor's world coordinate.
func (a *Anchor) Coordinate() model.GeoCoordinate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.coord
}

// Altitude returns the anchor's altitude in metres.
func (a *Anchor) Altitude() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.altitude
}

// MaxDistance returns the activation radius.
func (a *Anchor) MaxDistance() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.maxDistance
}

// Active reports whether the pose has been activated.
func (a *Anchor) Active() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// Instantiated reports whether the anchor has received the origin event.
func (a *Anchor) Instantiated() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.instantiated
}

// LocalPosition returns the last computed position in the scene frame.
func (a *Anchor) LocalPosition() model.LocalPosition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.local
}

// Err returns the error from the last failed position update, if any.
func (a *Anchor) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

// State is a point-in-time view of an anchor.
type State struct {
	ID           string              `json:"id"`
	Name         string              `json:"name,omitempty"`
	Coordinate   model.GeoCoordinate `json:"coordinate"`
	Altitude     float64             `json:"altitude"`
	MaxDistance  float64             `json:"max_distance"`
	Instantiated bool                `json:"instantiated"`
	Active       bool                `json:"active"`
	Local        model.LocalPosition `json:"local"`
}

// Snapshot returns the anchor's current state.
func (a *Anchor) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return State{
		ID:           a.id,
		Name:         a.name,
		Coordinate:   a.coord,
		Altitude:     a.altitude,
		MaxDistance:  a.maxDistance,
		Instantiated: a.instantiated,
		Active:       a.active,
		Local:        a.local,
	}
}

func (a *Anchor) withinMaxDistanceLocked() bool {
	return a.local.Magnitude() < a.maxDistance
}

func (a *Anchor) recompute() error {
	a.mu.RLock()
	instantiated := a.instantiated
	coord, alt := a.coord, a.altitude
	a.mu.RUnlock()
	if !instantiated {
		return nil
	}

	ctx := context.Background()
	cellID, err := a.origin.CurrentCellID()
	if err == nil {
		var pos model.LocalPosition
		pos, err = a.xform.ToLocal(coord, alt, cellID)
		if err == nil {
			a.mu.Lock()
			a.local = pos
			a.lastErr = nil
			a.mu.Unlock()
			a.pose.SetLocalPosition(pos)
			a.log.Debug(ctx, "anchor positioned",
				logging.String("coordinate", coord.String()),
				logging.Float64("x", pos.X),
				logging.Float64("y", pos.Y),
				logging.Float64("z", pos.Z),
			)
			if a.validRadius > 0 && pos.Magnitude() > a.validRadius {
				a.log.Warn(ctx, "anchor outside validated planar radius",
					logging.Float64("distance", pos.Magnitude()),
					logging.Float64("valid_radius", a.validRadius),
				)
			}
			return nil
		}
	}

	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
	a.log.Warn(ctx, "anchor position update failed", logging.Err(err))
	return err
}
