package origin

import (
	"context"
	"errors"
	"testing"

	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/model"
)

var (
	london = model.GeoCoordinate{Latitude: 51.5007, Longitude: -0.1246}
	paris  = model.GeoCoordinate{Latitude: 48.8566, Longitude: 2.3522}
)

type recordingListener struct {
	name   string
	calls  int
	log    *[]string
	onCall func()
}

func (r *recordingListener) OriginEstablished() {
	r.calls++
	if r.log != nil {
		*r.log = append(*r.log, r.name)
	}
	if r.onCall != nil {
		r.onCall()
	}
}

type fakeRecorder struct {
	fixes       map[string]int
	established bool
	level       int
	listeners   int
}

func (f *fakeRecorder) RecordFix(outcome string) {
	if f.fixes == nil {
		f.fixes = map[string]int{}
	}
	f.fixes[outcome]++
}
func (f *fakeRecorder) SetOriginEstablished(established bool, level int) {
	f.established = established
	f.level = level
}
func (f *fakeRecorder) SetListeners(n int) { f.listeners = n }

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cellindex.New(nil), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestNewManagerValidatesLevel(t *testing.T) {
	if _, err := NewManager(cellindex.New(nil), WithLevel(31)); !errors.Is(err, cellindex.ErrInvalidLevel) {
		t.Fatalf("err = %v, want ErrInvalidLevel", err)
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatalf("expected error for nil index")
	}
	m := newTestManager(t)
	if m.Level() != cellindex.DefaultLevel {
		t.Fatalf("Level() = %d, want %d", m.Level(), cellindex.DefaultLevel)
	}
}

func TestAccessorsBeforeEstablishment(t *testing.T) {
	m := newTestManager(t)
	if m.Established() {
		t.Fatalf("new manager reports established")
	}
	if _, err := m.CurrentCellID(); !errors.Is(err, ErrNotYetEstablished) {
		t.Fatalf("CurrentCellID err = %v, want ErrNotYetEstablished", err)
	}
	if _, err := m.CurrentCellCenter(); !errors.Is(err, ErrNotYetEstablished) {
		t.Fatalf("CurrentCellCenter err = %v, want ErrNotYetEstablished", err)
	}
	if o := m.Origin(); o.Established || o.CellID != 0 {
		t.Fatalf("Origin() = %+v, want zero", o)
	}
}

func TestEstablishOriginIsIdempotent(t *testing.T) {
	rec := &fakeRecorder{}
	m := newTestManager(t, WithMetricsRecorder(rec))
	ctx := context.Background()

	if err := m.EstablishOrigin(ctx, london); err != nil {
		t.Fatalf("EstablishOrigin(london): %v", err)
	}
	want, err := cellindex.New(nil).CellIDForCoordinate(london, cellindex.DefaultLevel)
	if err != nil {
		t.Fatalf("CellIDForCoordinate: %v", err)
	}
	got, err := m.CurrentCellID()
	if err != nil {
		t.Fatalf("CurrentCellID: %v", err)
	}
	if got != want {
		t.Fatalf("CurrentCellID = %s, want %s", got, want)
	}
	center, err := m.CurrentCellCenter()
	if err != nil {
		t.Fatalf("CurrentCellCenter: %v", err)
	}

	if err := m.EstablishOrigin(ctx, paris); err != nil {
		t.Fatalf("EstablishOrigin(paris): %v", err)
	}
	if got, _ := m.CurrentCellID(); got != want {
		t.Fatalf("second fix changed cell to %s, want %s", got, want)
	}
	if c, _ := m.CurrentCellCenter(); c != center {
		t.Fatalf("second fix changed center to %v, want %v", c, center)
	}

	if rec.fixes[FixAccepted] != 1 || rec.fixes[FixDuplicate] != 1 {
		t.Fatalf("fix outcomes = %v", rec.fixes)
	}
	if !rec.established || rec.level != cellindex.DefaultLevel {
		t.Fatalf("recorder established=%v level=%d", rec.established, rec.level)
	}
}

func TestEstablishNotifiesInRegistrationOrderOnce(t *testing.T) {
	m := newTestManager(t)
	var order []string
	a := &recordingListener{name: "a", log: &order}
	b := &recordingListener{name: "b", log: &order}
	c := &recordingListener{name: "c", log: &order}
	m.Register(a)
	m.Register(b)
	m.Register(c)
	m.Register(a) // duplicate registration is ignored

	if m.ListenerCount() != 3 {
		t.Fatalf("ListenerCount = %d, want 3", m.ListenerCount())
	}
	if len(order) != 0 {
		t.Fatalf("listeners notified before establishment: %v", order)
	}

	ctx := context.Background()
	if err := m.EstablishOrigin(ctx, london); err != nil {
		t.Fatalf("EstablishOrigin: %v", err)
	}
	if err := m.EstablishOrigin(ctx, paris); err != nil {
		t.Fatalf("EstablishOrigin: %v", err)
	}

	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("notification order = %v, want [a b c]", order)
	}
	for _, l := range []*recordingListener{a, b, c} {
		if l.calls != 1 {
			t.Fatalf("listener %s called %d times, want 1", l.name, l.calls)
		}
	}
}

func TestListenerSeesEstablishedStateDuringCallback(t *testing.T) {
	m := newTestManager(t)
	var seen model.CellID
	l := &recordingListener{}
	l.onCall = func() {
		id, err := m.CurrentCellID()
		if err != nil {
			t.Errorf("CurrentCellID in callback: %v", err)
		}
		seen = id
	}
	m.Register(l)
	if err := m.EstablishOrigin(context.Background(), london); err != nil {
		t.Fatalf("EstablishOrigin: %v", err)
	}
	if want, _ := m.CurrentCellID(); seen != want {
		t.Fatalf("callback saw %s, want %s", seen, want)
	}
}

func TestLateRegistrationReplaysImmediately(t *testing.T) {
	m := newTestManager(t)
	if err := m.EstablishOrigin(context.Background(), london); err != nil {
		t.Fatalf("EstablishOrigin: %v", err)
	}

	late := &recordingListener{}
	m.Register(late)
	if late.calls != 1 {
		t.Fatalf("late listener called %d times before Register returned, want 1", late.calls)
	}
	m.Register(late)
	if late.calls != 1 {
		t.Fatalf("re-registering replayed again: %d calls", late.calls)
	}
}

func TestDeregister(t *testing.T) {
	rec := &fakeRecorder{}
	m := newTestManager(t, WithMetricsRecorder(rec))
	a := &recordingListener{name: "a"}
	b := &recordingListener{name: "b"}
	m.Register(a)
	m.Register(b)
	m.Deregister(a)
	m.Deregister(a) // absent: no-op
	m.Deregister(&recordingListener{})

	if rec.listeners != 1 {
		t.Fatalf("recorded listeners = %d, want 1", rec.listeners)
	}
	if err := m.EstablishOrigin(context.Background(), london); err != nil {
		t.Fatalf("EstablishOrigin: %v", err)
	}
	if a.calls != 0 || b.calls != 1 {
		t.Fatalf("calls a=%d b=%d, want 0 and 1", a.calls, b.calls)
	}
}

func TestListenerMayMutateRegistryDuringNotification(t *testing.T) {
	m := newTestManager(t)
	late := &recordingListener{name: "late"}
	var self *recordingListener
	self = &recordingListener{name: "self", onCall: func() {
		m.Deregister(self)
		m.Register(late)
	}}
	other := &recordingListener{name: "other"}
	m.Register(self)
	m.Register(other)

	if err := m.EstablishOrigin(context.Background(), london); err != nil {
		t.Fatalf("EstablishOrigin: %v", err)
	}
	if self.calls != 1 || other.calls != 1 || late.calls != 1 {
		t.Fatalf("calls self=%d other=%d late=%d, want 1 each", self.calls, other.calls, late.calls)
	}
	if m.ListenerCount() != 2 {
		t.Fatalf("ListenerCount = %d, want 2", m.ListenerCount())
	}
}

func TestFailedEstablishmentLeavesManagerRetryable(t *testing.T) {
	rec := &fakeRecorder{}
	m := newTestManager(t, WithMetricsRecorder(rec))
	l := &recordingListener{}
	m.Register(l)

	err := m.EstablishOrigin(context.Background(), model.GeoCoordinate{Latitude: 123})
	if !errors.Is(err, cellindex.ErrInvalidCoordinate) {
		t.Fatalf("err = %v, want ErrInvalidCoordinate", err)
	}
	if m.Established() || l.calls != 0 {
		t.Fatalf("failed fix changed state: established=%v calls=%d", m.Established(), l.calls)
	}

	if err := m.EstablishOrigin(context.Background(), paris); err != nil {
		t.Fatalf("retry EstablishOrigin: %v", err)
	}
	if !m.Established() || l.calls != 1 {
		t.Fatalf("retry did not establish: established=%v calls=%d", m.Established(), l.calls)
	}
	if rec.fixes[FixFailed] != 1 || rec.fixes[FixAccepted] != 1 {
		t.Fatalf("fix outcomes = %v", rec.fixes)
	}
}

func TestHandleMeasurementOnlyAcceptsResults(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	for _, st := range []model.MeasurementStatus{model.MeasurementNoResults, model.MeasurementUnavailableArea, model.MeasurementInternalError} {
		if err := m.HandleMeasurement(ctx, model.Measurement{Coordinate: london, Status: st}); err != nil {
			t.Fatalf("HandleMeasurement(%s): %v", st, err)
		}
		if m.Established() {
			t.Fatalf("status %s established the origin", st)
		}
	}
	if err := m.HandleMeasurement(ctx, model.Measurement{Coordinate: london, Status: model.MeasurementResultsFound}); err != nil {
		t.Fatalf("HandleMeasurement: %v", err)
	}
	if !m.Established() {
		t.Fatalf("results_found did not establish the origin")
	}
}

// batchListener has a value receiver and a slice field, so its values
// cannot be compared with ==.
type batchListener struct {
	seen []string
}

func (batchListener) OriginEstablished() {}

// tagListener is a comparable value-receiver listener.
type tagListener struct {
	tag   string
	calls *int
}

func (l tagListener) OriginEstablished() { *l.calls++ }

func TestRegisterRejectsNonComparableListener(t *testing.T) {
	m := newTestManager(t)
	m.Register(batchListener{seen: []string{"a"}})
	m.Register(batchListener{seen: []string{"b"}})
	if m.ListenerCount() != 0 {
		t.Fatalf("ListenerCount = %d, want 0", m.ListenerCount())
	}
	m.Deregister(batchListener{})

	var calls int
	m.Register(tagListener{tag: "x", calls: &calls})
	m.Register(tagListener{tag: "x", calls: &calls})
	if m.ListenerCount() != 1 {
		t.Fatalf("ListenerCount = %d, want 1", m.ListenerCount())
	}
	if err := m.EstablishOrigin(context.Background(), london); err != nil {
		t.Fatalf("EstablishOrigin: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	m.Deregister(tagListener{tag: "x", calls: &calls})
	if m.ListenerCount() != 0 {
		t.Fatalf("ListenerCount after Deregister = %d, want 0", m.ListenerCount())
	}
}
