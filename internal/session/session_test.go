package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/internal/alignment"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
	"github.com/signalsfoundry/geo-origin/timectrl"
)

var london = model.GeoCoordinate{Latitude: 51.5074, Longitude: -0.1278}

type countingRequester struct {
	calls atomic.Int32
	err   error
}

func (r *countingRequester) RequestMeasurement(context.Context) error {
	r.calls.Add(1)
	return r.err
}

type stubPose struct {
	mu  sync.Mutex
	pos model.LocalPosition
	yaw float64
}

func (p *stubPose) CameraPose() (model.LocalPosition, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos, p.yaw
}

func (p *stubPose) set(pos model.LocalPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos = pos
}

type recordingSink struct {
	mu         sync.Mutex
	transforms []alignment.Transform
}

func (s *recordingSink) SetWorldTransform(t alignment.Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transforms = append(s.transforms, t)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transforms)
}

type fakeMetrics struct {
	mu       sync.Mutex
	kinds    map[string]int
	requests int
}

func (m *fakeMetrics) ObserveEvent(kind string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kinds == nil {
		m.kinds = map[string]int{}
	}
	m.kinds[kind]++
}

func (m *fakeMetrics) SetInboxDepth(int) {}

func (m *fakeMetrics) IncMeasurementRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
}

func newManager(t *testing.T) *origin.Manager {
	t.Helper()
	m, err := origin.NewManager(cellindex.New(nil))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func startSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
}

func found(c model.GeoCoordinate) model.Measurement {
	return model.Measurement{Coordinate: c, Status: model.MeasurementResultsFound, Heading: 0, RawHeightEstimate: 1.5}
}

// drain waits until every previously submitted event has been handled.
func drain(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Do(context.Background(), func(*origin.Manager) {}); err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestMeasurementEstablishesOrigin(t *testing.T) {
	s := New(newManager(t))
	var seen []model.MeasurementStatus
	s.OnMeasurement(func(m model.Measurement) { seen = append(seen, m.Status) })
	startSession(t, s)

	ctx := context.Background()
	if err := s.SubmitMeasurement(ctx, model.Measurement{Status: model.MeasurementNoResults}); err != nil {
		t.Fatalf("SubmitMeasurement: %v", err)
	}
	if err := s.SubmitMeasurement(ctx, found(london)); err != nil {
		t.Fatalf("SubmitMeasurement: %v", err)
	}

	var o model.Origin
	if err := s.Do(ctx, func(m *origin.Manager) { o = m.Origin() }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !o.Established {
		t.Fatalf("origin not established")
	}
	if len(seen) != 2 || seen[0] != model.MeasurementNoResults || seen[1] != model.MeasurementResultsFound {
		t.Fatalf("observers saw %v", seen)
	}
}

func TestSessionErrorRequestsMeasurement(t *testing.T) {
	req := &countingRequester{err: errors.New("offline")}
	metrics := &fakeMetrics{}
	s := New(newManager(t), WithRequester(req), WithMetrics(metrics))
	startSession(t, s)

	if err := s.SubmitError(context.Background(), model.SessionError{State: model.SessionNetworkError, Message: "timeout"}); err != nil {
		t.Fatalf("SubmitError: %v", err)
	}
	drain(t, s)

	if got := req.calls.Load(); got != 1 {
		t.Fatalf("requester calls = %d, want 1", got)
	}
	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.requests != 1 || metrics.kinds["error"] != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestTickRequestsWhenRefreshDue(t *testing.T) {
	req := &countingRequester{}
	pose := &stubPose{}
	s := New(newManager(t),
		WithRefresh(RefreshPolicy{Timeout: 10 * time.Second, Distance: 3}, req),
		WithCamera(nil, pose, nil),
	)
	startSession(t, s)
	ctx := context.Background()
	start := time.Unix(1000, 0)

	_ = s.Tick(ctx, start)
	_ = s.Tick(ctx, start.Add(5*time.Second))
	drain(t, s)
	if got := req.calls.Load(); got != 0 {
		t.Fatalf("requests before timeout = %d", got)
	}

	_ = s.Tick(ctx, start.Add(11*time.Second))
	drain(t, s)
	if got := req.calls.Load(); got != 1 {
		t.Fatalf("requests after timeout = %d, want 1", got)
	}

	pose.set(model.LocalPosition{X: 4})
	_ = s.Tick(ctx, start.Add(12*time.Second))
	drain(t, s)
	if got := req.calls.Load(); got != 2 {
		t.Fatalf("requests after moving = %d, want 2", got)
	}
}

func TestCameraAlignedAfterMeasurement(t *testing.T) {
	m := newManager(t)
	clock := timectrl.NewManualClock(time.Unix(0, 0))
	pose := &stubPose{pos: model.LocalPosition{X: 1, Z: 1}}
	sink := &recordingSink{}
	cam := alignment.New(m, m.Index())
	s := New(m, WithClock(clock), WithCamera(cam, pose, sink))
	startSession(t, s)
	ctx := context.Background()

	if err := s.SubmitMeasurementRequested(ctx); err != nil {
		t.Fatalf("SubmitMeasurementRequested: %v", err)
	}
	if err := s.SubmitMeasurement(ctx, found(london)); err != nil {
		t.Fatalf("SubmitMeasurement: %v", err)
	}
	if err := s.Tick(ctx, clock.Now()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	drain(t, s)

	if got := sink.count(); got != 1 {
		t.Fatalf("sink received %d transforms, want 1", got)
	}
	if p := cam.SceneCameraPosition(); p.Y != 1.5 {
		t.Fatalf("scene camera height = %v, want 1.5", p.Y)
	}
}

func TestRunTwice(t *testing.T) {
	s := New(newManager(t))
	startSession(t, s)
	drain(t, s)
	if err := s.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run: %v, want ErrRunning", err)
	}
}

func TestSubmitAfterCloseFails(t *testing.T) {
	s := New(newManager(t))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	drain(t, s)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if err := s.SubmitMeasurement(context.Background(), found(london)); !errors.Is(err, ErrClosed) {
		t.Fatalf("SubmitMeasurement after close: %v", err)
	}
	if err := s.Do(context.Background(), func(*origin.Manager) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Do after close: %v", err)
	}
}

func TestSubmitRespectsContextWhenInboxFull(t *testing.T) {
	s := New(newManager(t), WithInboxSize(1))
	ctx := context.Background()
	if err := s.Tick(ctx, time.Time{}); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	if err := s.Tick(short, time.Time{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Tick on full inbox: %v", err)
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	m := newManager(t)
	s := New(m)
	var count int
	s.OnMeasurement(func(model.Measurement) { count++ })
	startSession(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := model.GeoCoordinate{Latitude: 51 + float64(i)/100, Longitude: 0}
			for j := 0; j < 25; j++ {
				_ = s.SubmitMeasurement(context.Background(), found(c))
			}
		}(i)
	}
	wg.Wait()

	var listeners int
	var established bool
	if err := s.Do(context.Background(), func(m *origin.Manager) {
		established = m.Established()
		listeners = m.ListenerCount()
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !established || listeners != 0 {
		t.Fatalf("established=%v listeners=%d", established, listeners)
	}
	if count != 200 {
		t.Fatalf("observed %d measurements, want 200", count)
	}
}

func TestTickListenerDrivesRefresh(t *testing.T) {
	req := &countingRequester{}
	s := New(newManager(t), WithRefresh(RefreshPolicy{Timeout: time.Second}, req))
	startSession(t, s)

	start := time.Unix(0, 0)
	tc := timectrl.NewTimeController(start, 600*time.Millisecond, timectrl.Accelerated)
	tc.AddListener(s.TickListener(context.Background()))
	for i := 0; i < 4; i++ {
		tc.Step()
	}
	drain(t, s)
	if got := req.calls.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
}
