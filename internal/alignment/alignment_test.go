package alignment

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/model"
)

type fixedOrigin struct {
	id  model.CellID
	err error
}

func (o fixedOrigin) CurrentCellID() (model.CellID, error) { return o.id, o.err }

type fixedTransformer struct {
	pos      model.LocalPosition
	altitude float64
}

func (f *fixedTransformer) ToLocal(_ model.GeoCoordinate, altitude float64, _ model.CellID) (model.LocalPosition, error) {
	f.altitude = altitude
	return f.pos, nil
}

type groundStub struct {
	height float64
	ok     bool
}

func (g groundStub) GroundHeight() (float64, bool) { return g.height, g.ok }

func near(a, b r3.Vec, tol float64) bool {
	return r3.Norm(r3.Sub(a, b)) <= tol
}

func TestSynchronizeRequiresHeldPose(t *testing.T) {
	cam := New(fixedOrigin{id: 1}, &fixedTransformer{})
	err := cam.Synchronize(context.Background(), time.Now(), model.GeoCoordinate{}, 0, 0)
	if !errors.Is(err, ErrNoHeldPose) {
		t.Fatalf("expected ErrNoHeldPose, got %v", err)
	}
}

func TestSynchronizePropagatesOriginError(t *testing.T) {
	want := errors.New("not yet")
	cam := New(fixedOrigin{err: want}, &fixedTransformer{})
	cam.HoldPose(model.LocalPosition{}, 0)
	if err := cam.Synchronize(context.Background(), time.Now(), model.GeoCoordinate{}, 0, 0); !errors.Is(err, want) {
		t.Fatalf("expected origin error, got %v", err)
	}
}

func TestHeldPoseMapsOntoScenePosition(t *testing.T) {
	scene := model.LocalPosition{X: 25, Y: 1.5, Z: -40}
	cam := New(fixedOrigin{id: 1}, &fixedTransformer{pos: scene})
	held := model.LocalPosition{X: 3, Y: 1.2, Z: 7}
	cam.HoldPose(held, 30)

	now := time.Unix(100, 0)
	if err := cam.Synchronize(context.Background(), now, model.GeoCoordinate{}, 120, 1.5); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	tr, changed := cam.Update(now)
	if !changed {
		t.Fatalf("first update should apply the transform")
	}
	if math.Abs(tr.Yaw-90) > 1e-9 {
		t.Fatalf("yaw = %v, want 90", tr.Yaw)
	}
	got := tr.Apply(r3.Vec{X: held.X, Y: held.Y, Z: held.Z})
	if !near(got, r3.Vec{X: scene.X, Y: scene.Y, Z: scene.Z}, 1e-9) {
		t.Fatalf("held pose maps to %+v, want %+v", got, scene)
	}
	if _, changed := cam.Update(now.Add(time.Second)); changed {
		t.Fatalf("update without a new target should report no change")
	}
}

func TestRotateYawClockwise(t *testing.T) {
	north := r3.Vec{Z: 1}
	got := rotateYaw(north, 90)
	if !near(got, r3.Vec{X: 1}, 1e-12) {
		t.Fatalf("north rotated by 90 = %+v, want east", got)
	}
	east := r3.Vec{X: 1}
	got = rotateYaw(east, 90)
	if !near(got, r3.Vec{Z: -1}, 1e-12) {
		t.Fatalf("east rotated by 90 = %+v, want south", got)
	}
}

func TestUpdateBlendsOverSmoothingWindow(t *testing.T) {
	xf := &fixedTransformer{pos: model.LocalPosition{}}
	cam := New(fixedOrigin{id: 1}, xf, WithSmoothing(2*time.Second))
	start := time.Unix(0, 0)

	cam.HoldPose(model.LocalPosition{}, 0)
	if err := cam.Synchronize(context.Background(), start, model.GeoCoordinate{}, 0, 0); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if tr, _ := cam.Update(start); !near(tr.Position, r3.Vec{}, 1e-12) {
		t.Fatalf("first transform should apply immediately, got %+v", tr)
	}

	xf.pos = model.LocalPosition{X: 10}
	cam.HoldPose(model.LocalPosition{}, 0)
	if err := cam.Synchronize(context.Background(), start, model.GeoCoordinate{}, 20, 0); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}

	mid, changed := cam.Update(start.Add(time.Second))
	if !changed {
		t.Fatalf("expected blend in progress")
	}
	if math.Abs(mid.Position.X-5) > 1e-9 || math.Abs(mid.Yaw-10) > 1e-9 {
		t.Fatalf("midpoint = %+v, want X=5 yaw=10", mid)
	}

	end, _ := cam.Update(start.Add(3 * time.Second))
	if math.Abs(end.Position.X-10) > 1e-9 || math.Abs(end.Yaw-20) > 1e-9 {
		t.Fatalf("end = %+v, want X=10 yaw=20", end)
	}
	if _, changed := cam.Update(start.Add(4 * time.Second)); changed {
		t.Fatalf("blend should be finished")
	}
}

func TestLerpDegreesTakesShortArc(t *testing.T) {
	if got := lerpDegrees(350, 10, 0.5); math.Abs(got) > 1e-9 && math.Abs(got-360) > 1e-9 {
		t.Fatalf("lerp(350, 10, .5) = %v, want 0", got)
	}
	if got := lerpDegrees(10, 350, 0.25); math.Abs(got-5) > 1e-9 {
		t.Fatalf("lerp(10, 350, .25) = %v, want 5", got)
	}
}

func TestGroundTrackerOverridesAltitude(t *testing.T) {
	xf := &fixedTransformer{}
	cam := New(fixedOrigin{id: 1}, xf, WithGroundTracker(groundStub{height: -1.4, ok: true}))
	cam.HoldPose(model.LocalPosition{}, 0)
	if err := cam.Synchronize(context.Background(), time.Now(), model.GeoCoordinate{}, 0, 9); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if xf.altitude != 1.4 {
		t.Fatalf("altitude = %v, want 1.4", xf.altitude)
	}

	xf2 := &fixedTransformer{}
	cam2 := New(fixedOrigin{id: 1}, xf2, WithGroundTracker(groundStub{}))
	cam2.HoldPose(model.LocalPosition{}, 0)
	if err := cam2.Synchronize(context.Background(), time.Now(), model.GeoCoordinate{}, 0, 9); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	if xf2.altitude != 9 {
		t.Fatalf("altitude = %v, want fallback 9", xf2.altitude)
	}
}

func TestSynchronizeWithCellIndex(t *testing.T) {
	idx := cellindex.New(nil)
	london := model.GeoCoordinate{Latitude: 51.5074, Longitude: -0.1278}
	id, err := idx.CellIDForCoordinate(london, cellindex.DefaultLevel)
	if err != nil {
		t.Fatalf("CellIDForCoordinate: %v", err)
	}
	center, err := idx.CoordinateForCell(id)
	if err != nil {
		t.Fatalf("CoordinateForCell: %v", err)
	}

	cam := New(fixedOrigin{id: id}, idx)
	cam.HoldPose(model.LocalPosition{X: 2, Z: 2}, 0)
	if err := cam.Synchronize(context.Background(), time.Now(), center, 0, 1.6); err != nil {
		t.Fatalf("Synchronize: %v", err)
	}
	tr, _ := cam.Update(time.Now())
	got := tr.Apply(r3.Vec{X: 2, Z: 2})
	if !near(got, r3.Vec{Y: 1.6}, 1e-3) {
		t.Fatalf("camera placed at %+v, want cell center at 1.6 m", got)
	}
	if p := cam.SceneCameraPosition(); math.Abs(p.Y-1.6) > 1e-6 {
		t.Fatalf("scene camera altitude = %v", p.Y)
	}
}
