// Package session runs the owner loop for an origin.Manager.
//
// The manager has no internal locking. Everything that touches it, from the
// positioning collaborator's callbacks to gRPC reads and anchor registration,
// is funnelled through a single goroutine started by Run.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/geo-origin/internal/alignment"
	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
	"github.com/signalsfoundry/geo-origin/timectrl"
)

// ErrClosed is returned when submitting to a session whose Run has exited.
var ErrClosed = errors.New("session: closed")

// ErrRunning is returned by Run when the loop is already running.
var ErrRunning = errors.New("session: already running")

// DefaultInboxSize is the inbox capacity used when none is configured.
const DefaultInboxSize = 64

// MeasurementRequester asks the positioning collaborator for a new fix.
type MeasurementRequester interface {
	RequestMeasurement(ctx context.Context) error
}

// PoseSource reports the camera's current tracking-frame pose.
type PoseSource interface {
	CameraPose() (position model.LocalPosition, yawDegrees float64)
}

// TransformSink receives world transform corrections.
type TransformSink interface {
	SetWorldTransform(alignment.Transform)
}

// Metrics is the subset of the session collector the loop reports to.
type Metrics interface {
	ObserveEvent(kind string, d time.Duration)
	SetInboxDepth(n int)
	IncMeasurementRequests()
}

type eventKind int

const (
	eventMeasurement eventKind = iota
	eventError
	eventRequested
	eventTick
	eventCall
)

func (k eventKind) String() string {
	switch k {
	case eventMeasurement:
		return "measurement"
	case eventError:
		return "error"
	case eventRequested:
		return "requested"
	case eventTick:
		return "tick"
	case eventCall:
		return "call"
	default:
		return "unknown"
	}
}

type event struct {
	kind        eventKind
	measurement model.Measurement
	err         model.SessionError
	now         time.Time
	call        func(*origin.Manager)
	done        chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Session) { s.log = logging.OrNoop(l) }
}

// WithMetrics reports loop activity to m.
func WithMetrics(m Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithClock sets the clock used when no explicit time accompanies an event.
func WithClock(c timectrl.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithInboxSize sets the inbox capacity.
func WithInboxSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.inboxSize = n
		}
	}
}

// WithCamera enables world transform alignment. pose supplies the camera
// pose held when a measurement is requested; sink receives corrections.
func WithCamera(cam *alignment.Camera, pose PoseSource, sink TransformSink) Option {
	return func(s *Session) {
		s.camera = cam
		s.pose = pose
		s.sink = sink
	}
}

// WithRefresh enables automatic measurement requests through r.
func WithRefresh(policy RefreshPolicy, r MeasurementRequester) Option {
	return func(s *Session) {
		p := policy
		s.refresh = &p
		s.requester = r
	}
}

// WithRequester sets the collaborator asked for a new fix after a session
// error, without enabling the refresh policy.
func WithRequester(r MeasurementRequester) Option {
	return func(s *Session) { s.requester = r }
}

// Session owns an origin.Manager and serialises all access to it.
type Session struct {
	manager   *origin.Manager
	log       logging.Logger
	metrics   Metrics
	clock     timectrl.Clock
	inboxSize int

	camera    *alignment.Camera
	pose      PoseSource
	sink      TransformSink
	refresh   *RefreshPolicy
	requester MeasurementRequester

	observers []func(model.Measurement)

	inbox   chan event
	done    chan struct{}
	started chan struct{}
}

// New returns a session owning m. Run must be called for submitted events
// to be processed.
func New(m *origin.Manager, opts ...Option) *Session {
	s := &Session{
		manager:   m,
		log:       logging.Noop(),
		clock:     timectrl.SystemClock{},
		inboxSize: DefaultInboxSize,
		done:      make(chan struct{}),
		started:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.inbox = make(chan event, s.inboxSize)
	s.log = s.log.With(logging.String("component", "session"))
	return s
}

// OnMeasurement registers fn to observe every measurement after the
// manager has handled it. It must be called before Run.
func (s *Session) OnMeasurement(fn func(model.Measurement)) {
	if fn != nil {
		s.observers = append(s.observers, fn)
	}
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes events until ctx is cancelled. It may be called only once.
func (s *Session) Run(ctx context.Context) error {
	select {
	case s.started <- struct{}{}:
	default:
		return ErrRunning
	}
	defer close(s.done)

	s.log.Info(ctx, "session loop started", logging.Int("inbox_size", s.inboxSize))
	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "session loop stopped")
			return ctx.Err()
		case ev := <-s.inbox:
			s.dispatch(ctx, ev)
		}
	}
}

// SubmitMeasurement hands a fix from the positioning collaborator to the
// owner loop.
func (s *Session) SubmitMeasurement(ctx context.Context, m model.Measurement) error {
	return s.submit(ctx, event{kind: eventMeasurement, measurement: m})
}

// SubmitError hands a positioning session error to the owner loop.
func (s *Session) SubmitError(ctx context.Context, e model.SessionError) error {
	return s.submit(ctx, event{kind: eventError, err: e})
}

// SubmitMeasurementRequested tells the loop a measurement was requested
// outside of the refresh policy, so the camera pose can be held.
func (s *Session) SubmitMeasurementRequested(ctx context.Context) error {
	return s.submit(ctx, event{kind: eventRequested})
}

// Tick enqueues an update tick at now.
func (s *Session) Tick(ctx context.Context, now time.Time) error {
	return s.submit(ctx, event{kind: eventTick, now: now})
}

// TickListener returns a timectrl listener that forwards controller ticks
// to the session. A tick is dropped with a warning if the inbox stays full
// for a second.
func (s *Session) TickListener(ctx context.Context) func(time.Time) {
	return func(now time.Time) {
		tctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := s.Tick(tctx, now); err != nil && ctx.Err() == nil {
			s.log.Warn(ctx, "session tick dropped", logging.Err(err))
		}
	}
}

// Do runs fn on the owner goroutine and waits for it to return.
func (s *Session) Do(ctx context.Context, fn func(*origin.Manager)) error {
	ev := event{kind: eventCall, call: fn, done: make(chan struct{})}
	if err := s.submit(ctx, ev); err != nil {
		return err
	}
	select {
	case <-ev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// Run may have processed the call just before exiting.
		select {
		case <-ev.done:
			return nil
		default:
			return ErrClosed
		}
	}
}

func (s *Session) submit(ctx context.Context, ev event) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- ev:
		if s.metrics != nil {
			s.metrics.SetInboxDepth(len(s.inbox))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) dispatch(ctx context.Context, ev event) {
	start := time.Now()
	switch ev.kind {
	case eventMeasurement:
		s.handleMeasurement(ctx, ev.measurement)
	case eventError:
		s.handleError(ctx, ev.err)
	case eventRequested:
		s.holdPose()
	case eventTick:
		s.handleTick(ctx, ev.now)
	case eventCall:
		ev.call(s.manager)
		close(ev.done)
	}
	if s.metrics != nil {
		s.metrics.ObserveEvent(ev.kind.String(), time.Since(start))
		s.metrics.SetInboxDepth(len(s.inbox))
	}
}

func (s *Session) handleMeasurement(ctx context.Context, m model.Measurement) {
	if err := s.manager.HandleMeasurement(ctx, m); err != nil {
		s.log.Warn(ctx, "measurement not applied",
			logging.String("status", m.Status.String()),
			logging.Err(err),
		)
	}

	now := s.clock.Now()
	if m.Found() && s.camera != nil && s.manager.Established() {
		if err := s.camera.Synchronize(ctx, now, m.Coordinate, m.Heading, m.RawHeightEstimate); err != nil {
			s.log.Warn(ctx, "camera alignment skipped", logging.Err(err))
		}
	}
	if s.refresh != nil {
		s.refresh.Reset(now, s.cameraPosition())
	}

	for _, fn := range s.observers {
		fn(m)
	}
}

func (s *Session) handleError(ctx context.Context, e model.SessionError) {
	s.log.Warn(ctx, "positioning session error",
		logging.String("state", e.State.String()),
		logging.String("message", e.Message),
	)
	if s.refresh != nil {
		s.refresh.Reset(s.clock.Now(), s.cameraPosition())
	}
	s.requestMeasurement(ctx)
}

func (s *Session) handleTick(ctx context.Context, now time.Time) {
	if now.IsZero() {
		now = s.clock.Now()
	}
	if s.refresh.Enabled() && s.refresh.Due(now, s.cameraPosition()) {
		s.refresh.Reset(now, s.cameraPosition())
		s.requestMeasurement(ctx)
	}
	if s.camera != nil {
		if t, changed := s.camera.Update(now); changed && s.sink != nil {
			s.sink.SetWorldTransform(t)
		}
	}
}

func (s *Session) requestMeasurement(ctx context.Context) {
	if s.requester == nil {
		return
	}
	s.holdPose()
	if s.metrics != nil {
		s.metrics.IncMeasurementRequests()
	}
	if err := s.requester.RequestMeasurement(ctx); err != nil {
		s.log.Error(ctx, "measurement request failed", logging.Err(err))
	}
}

func (s *Session) holdPose() {
	if s.camera == nil || s.pose == nil {
		return
	}
	pos, yaw := s.pose.CameraPose()
	s.camera.HoldPose(pos, yaw)
}

func (s *Session) cameraPosition() model.LocalPosition {
	if s.pose == nil {
		return model.LocalPosition{}
	}
	pos, _ := s.pose.CameraPose()
	return pos
}
