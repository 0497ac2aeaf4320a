// Package origin owns the session's single mapping between the local
// Cartesian frame and a real-world grid cell.
//
// A Manager starts uninitialized. The first accepted fix fixes the origin
// cell for the rest of the session and is announced to every registered
// Listener, including listeners that register afterwards. A Manager has no
// internal locking: it must be driven from one owner goroutine (see
// internal/session).
package origin

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/model"
)

const tracerName = "github.com/signalsfoundry/geo-origin/origin"

// ErrNotYetEstablished is returned by accessors called before the first fix
// has been accepted. It is an expected interim state, not a fatal error.
var ErrNotYetEstablished = errors.New("origin not yet established")

// Listener is notified once the origin has been established. Implementations
// read the new state through the Manager's accessors. Listeners are told
// apart by ==, so a listener whose value is not comparable is rejected by
// Register; pointer receivers are the usual choice.
type Listener interface {
	OriginEstablished()
}

// Fix outcomes reported to a MetricsRecorder.
const (
	FixAccepted  = "accepted"
	FixDuplicate = "duplicate"
	FixIgnored   = "ignored"
	FixFailed    = "failed"
)

// MetricsRecorder receives manager events. observability.OriginCollector
// implements it.
type MetricsRecorder interface {
	RecordFix(outcome string)
	SetOriginEstablished(established bool, level int)
	SetListeners(n int)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLevel sets the cell level used for the origin cell.
func WithLevel(level int) Option {
	return func(m *Manager) { m.level = level }
}

// WithLogger sets the manager's logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log = logging.OrNoop(l) }
}

// WithMetricsRecorder attaches a metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// Manager is the single authority for the session's geo origin and the
// registry of listeners waiting for it.
type Manager struct {
	index   *cellindex.Index
	level   int
	log     logging.Logger
	metrics MetricsRecorder

	established bool
	cellID      model.CellID
	center      model.GeoCoordinate

	listeners []Listener
}

// NewManager constructs an uninitialized Manager.
func NewManager(index *cellindex.Index, opts ...Option) (*Manager, error) {
	if index == nil {
		return nil, errors.New("origin: nil cell index")
	}
	m := &Manager{
		index: index,
		level: cellindex.DefaultLevel,
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := cellindex.ValidateLevel(m.level); err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	m.log = m.log.With(logging.String("component", "origin"))
	if m.metrics != nil {
		m.metrics.SetOriginEstablished(false, m.level)
		m.metrics.SetListeners(0)
	}
	return m, nil
}

// Index returns the cell index the manager resolves cells with.
func (m *Manager) Index() *cellindex.Index { return m.index }

// Level returns the configured cell level.
func (m *Manager) Level() int { return m.level }

// Established reports whether the origin has been fixed.
func (m *Manager) Established() bool { return m.established }

// CurrentCellID returns the origin cell, or ErrNotYetEstablished.
func (m *Manager) CurrentCellID() (model.CellID, error) {
	if !m.established {
		return 0, ErrNotYetEstablished
	}
	return m.cellID, nil
}

// CurrentCellCenter returns the center of the origin cell, or
// ErrNotYetEstablished.
func (m *Manager) CurrentCellCenter() (model.GeoCoordinate, error) {
	if !m.established {
		return model.GeoCoordinate{}, ErrNotYetEstablished
	}
	return m.center, nil
}

// Origin returns a snapshot of the current state.
func (m *Manager) Origin() model.Origin {
	return model.Origin{
		CellID:      m.cellID,
		CellCenter:  m.center,
		Established: m.established,
	}
}

// EstablishOrigin fixes the origin to the cell containing fix and notifies
// every registered listener in registration order. Once established, further
// calls do nothing. If the cell cannot be resolved the manager stays
// uninitialized and a later fix may try again.
func (m *Manager) EstablishOrigin(ctx context.Context, fix model.GeoCoordinate) error {
	if m.established {
		m.recordFix(FixDuplicate)
		m.log.Debug(ctx, "origin already established; ignoring fix",
			logging.String("cell_id", m.cellID.String()),
			logging.String("fix", fix.String()),
		)
		return nil
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "origin.EstablishOrigin")
	defer span.End()
	span.SetAttributes(
		attribute.Float64("fix.latitude", fix.Latitude),
		attribute.Float64("fix.longitude", fix.Longitude),
		attribute.Int("cell.level", m.level),
	)

	cellID, err := m.index.CellIDForCoordinate(fix, m.level)
	if err != nil {
		return m.failEstablish(ctx, span, fix, err)
	}
	center, err := m.index.CoordinateForCell(cellID)
	if err != nil {
		return m.failEstablish(ctx, span, fix, err)
	}

	m.cellID = cellID
	m.center = center
	m.established = true
	span.SetAttributes(attribute.String("cell.id", cellID.String()))

	m.recordFix(FixAccepted)
	if m.metrics != nil {
		m.metrics.SetOriginEstablished(true, m.level)
	}
	m.log.Info(ctx, "origin established",
		logging.String("cell_id", cellID.String()),
		logging.String("cell_center", center.String()),
		logging.Int("listeners", len(m.listeners)),
	)

	// Listeners may register or deregister from inside their callback.
	listeners := append([]Listener(nil), m.listeners...)
	for _, l := range listeners {
		l.OriginEstablished()
	}
	return nil
}

// HandleMeasurement establishes the origin from m when it carries a usable
// fix; other measurement statuses are ignored.
func (m *Manager) HandleMeasurement(ctx context.Context, meas model.Measurement) error {
	if !meas.Found() {
		m.recordFix(FixIgnored)
		m.log.Debug(ctx, "measurement without results", logging.String("status", meas.Status.String()))
		return nil
	}
	return m.EstablishOrigin(ctx, meas.Coordinate)
}

// Register adds l to the registry. Registering the same listener twice has
// no effect. If the origin is already established, l is notified before
// Register returns.
func (m *Manager) Register(l Listener) {
	if l == nil {
		return
	}
	if !reflect.ValueOf(l).Comparable() {
		m.log.Warn(context.Background(), "listener rejected: value is not comparable",
			logging.String("type", fmt.Sprintf("%T", l)),
		)
		return
	}
	if m.indexOf(l) >= 0 {
		return
	}
	m.listeners = append(m.listeners, l)
	if m.metrics != nil {
		m.metrics.SetListeners(len(m.listeners))
	}
	if m.established {
		l.OriginEstablished()
	}
}

// Deregister removes l from the registry. It is a no-op when l is absent.
func (m *Manager) Deregister(l Listener) {
	i := m.indexOf(l)
	if i < 0 {
		return
	}
	m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
	if m.metrics != nil {
		m.metrics.SetListeners(len(m.listeners))
	}
}

// ListenerCount returns the number of registered listeners.
func (m *Manager) ListenerCount() int { return len(m.listeners) }

func (m *Manager) indexOf(l Listener) int {
	if !reflect.ValueOf(l).Comparable() {
		return -1
	}
	for i, existing := range m.listeners {
		if existing == l {
			return i
		}
	}
	return -1
}

func (m *Manager) recordFix(outcome string) {
	if m.metrics != nil {
		m.metrics.RecordFix(outcome)
	}
}

func (m *Manager) failEstablish(ctx context.Context, span trace.Span, fix model.GeoCoordinate, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.recordFix(FixFailed)
	m.log.Warn(ctx, "origin establishment failed",
		logging.String("fix", fix.String()),
		logging.Err(err),
	)
	return fmt.Errorf("establish origin: %w", err)
}
