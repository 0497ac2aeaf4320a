// Package alignment computes the world transform that places an AR
// camera's tracking frame onto the geo-anchored scene frame.
//
// When a measurement is requested the camera pose is held. When the fix
// arrives, the camera's true scene position is derived from the fix and the
// held pose is rotated and translated onto it. Successive corrections are
// blended over a configurable smoothing window.
package alignment

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/geo-origin/core"
	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/model"
)

// Transform rotates the tracking frame about the up axis by Yaw degrees
// (clockwise seen from above) and then translates it by Position.
type Transform struct {
	Yaw      float64
	Position r3.Vec
}

// Apply maps a point from the tracking frame into the scene frame.
func (t Transform) Apply(p r3.Vec) r3.Vec {
	return r3.Add(rotateYaw(p, t.Yaw), t.Position)
}

// Origin is the read side of the origin manager.
type Origin interface {
	CurrentCellID() (model.CellID, error)
}

// Transformer converts world coordinates into the local frame.
type Transformer interface {
	ToLocal(c model.GeoCoordinate, altitude float64, origin model.CellID) (model.LocalPosition, error)
}

// GroundTracker reports the tracked ground plane height relative to the
// camera. ok is false when no plane has been found yet.
type GroundTracker interface {
	GroundHeight() (height float64, ok bool)
}

// Option configures a Camera.
type Option func(*Camera)

// WithSmoothing blends successive corrections over d. Zero applies each
// correction immediately.
func WithSmoothing(d time.Duration) Option {
	return func(c *Camera) { c.smoothing = d }
}

// WithGroundTracker lets the tracked ground height override the altitude
// reported with a fix.
func WithGroundTracker(g GroundTracker) Option {
	return func(c *Camera) { c.ground = g }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Camera) { c.log = logging.OrNoop(l) }
}

// ErrNoHeldPose is returned by Synchronize when no pose was held for the
// measurement.
var ErrNoHeldPose = errors.New("alignment: no camera pose held for measurement")

// Camera tracks the correction between the camera's tracking frame and the
// scene frame.
type Camera struct {
	mu sync.Mutex

	origin    Origin
	xform     Transformer
	ground    GroundTracker
	smoothing time.Duration
	log       logging.Logger

	held    bool
	heldPos r3.Vec
	heldYaw float64

	sceneCamera r3.Vec
	target      Transform
	previous    Transform
	current     Transform
	hasCurrent  bool
	updating    bool
	start       time.Time
}

// New returns a Camera using o for the origin cell and x for transforms.
func New(o Origin, x Transformer, opts ...Option) *Camera {
	c := &Camera{origin: o, xform: x, log: logging.Noop()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(logging.String("component", "alignment"))
	return c
}

// HoldPose records the camera's tracking-frame pose at the moment a
// measurement is requested.
func (c *Camera) HoldPose(pos model.LocalPosition, yawDegrees float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = true
	c.heldPos = r3.Vec{X: pos.X, Y: pos.Y, Z: pos.Z}
	c.heldYaw = yawDegrees
}

// Synchronize computes a new target transform from a fix taken at the held
// pose. heading is the camera heading in degrees from true north; altitude
// is the camera height used when no ground tracker result is available.
// The new target becomes visible through Update, starting at now.
func (c *Camera) Synchronize(ctx context.Context, now time.Time, coord model.GeoCoordinate, heading, altitude float64) error {
	if c.ground != nil {
		if h, ok := c.ground.GroundHeight(); ok {
			altitude = -h
		} else {
			c.log.Warn(ctx, "ground height unavailable; using measurement height estimate")
		}
	}

	cellID, err := c.origin.CurrentCellID()
	if err != nil {
		return err
	}
	local, err := c.xform.ToLocal(coord, altitude, cellID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.held {
		return ErrNoHeldPose
	}

	scene := r3.Vec{X: local.X, Y: local.Y, Z: local.Z}
	yaw := core.NormalizeDegrees(heading - c.heldYaw)
	target := Transform{
		Yaw:      yaw,
		Position: r3.Sub(scene, rotateYaw(c.heldPos, yaw)),
	}

	if c.updating {
		// Restart the blend from wherever the previous one had got to.
		c.previous = c.interpolateLocked(now)
	} else {
		c.previous = c.current
	}
	c.sceneCamera = scene
	c.target = target
	c.updating = true
	c.start = now

	c.log.Debug(ctx, "camera synchronized",
		logging.String("coordinate", coord.String()),
		logging.Float64("yaw", yaw),
		logging.Float64("x", target.Position.X),
		logging.Float64("y", target.Position.Y),
		logging.Float64("z", target.Position.Z),
	)
	return nil
}

// Update advances any blend in progress to now. It returns the transform to
// apply and whether it changed since the previous call.
func (c *Camera) Update(now time.Time) (Transform, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.updating {
		return c.current, false
	}

	if !c.hasCurrent || c.smoothing <= 0 || now.Sub(c.start) >= c.smoothing {
		c.current = c.target
		c.hasCurrent = true
		c.updating = false
		return c.current, true
	}
	c.current = c.interpolateLocked(now)
	return c.current, true
}

// Current returns the transform most recently produced by Update.
func (c *Camera) Current() Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// SceneCameraPosition returns where the last fix placed the camera in the
// scene frame.
func (c *Camera) SceneCameraPosition() model.LocalPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.LocalPosition{X: c.sceneCamera.X, Y: c.sceneCamera.Y, Z: c.sceneCamera.Z}
}

func (c *Camera) interpolateLocked(now time.Time) Transform {
	if c.smoothing <= 0 {
		return c.target
	}
	f := float64(now.Sub(c.start)) / float64(c.smoothing)
	f = math.Max(0, math.Min(1, f))
	return Transform{
		Yaw:      lerpDegrees(c.previous.Yaw, c.target.Yaw, f),
		Position: r3.Add(c.previous.Position, r3.Scale(f, r3.Sub(c.target.Position, c.previous.Position))),
	}
}

// rotateYaw turns v clockwise about the up (Y) axis, seen from above, so
// that north (+Z) rotated by 90 degrees points east (+X).
func rotateYaw(v r3.Vec, deg float64) r3.Vec {
	sin, cos := math.Sincos(deg * math.Pi / 180)
	return r3.Vec{
		X: v.X*cos + v.Z*sin,
		Y: v.Y,
		Z: -v.X*sin + v.Z*cos,
	}
}

// lerpDegrees interpolates along the shorter arc.
func lerpDegrees(from, to, f float64) float64 {
	delta := math.Mod(to-from+540, 360) - 180
	return core.NormalizeDegrees(from + delta*f)
}
