package accuracy

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/signalsfoundry/geo-origin/cellindex"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
)

func londonCell(t *testing.T) (*cellindex.Index, model.CellID) {
	t.Helper()
	idx := cellindex.New(nil)
	id, err := idx.CellIDForCoordinate(model.GeoCoordinate{Latitude: 51.5074, Longitude: -0.1278}, cellindex.DefaultLevel)
	if err != nil {
		t.Fatalf("CellIDForCoordinate: %v", err)
	}
	return idx, id
}

func TestProbeDefaults(t *testing.T) {
	idx, id := londonCell(t)
	samples, err := Probe(idx, id, nil, nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if want := len(DefaultRadii) * len(DefaultBearings); len(samples) != want {
		t.Fatalf("got %d samples, want %d", len(samples), want)
	}
	for _, s := range samples {
		if math.Abs(s.Chord-s.Radius)/s.Radius > 1e-5 {
			t.Fatalf("sample %+v: chord differs from radius", s)
		}
		if s.RelativeError > 1e-6 {
			t.Fatalf("sample %+v: relative error too large", s)
		}
	}
}

func worstByRadius(samples []Sample) map[float64]float64 {
	worst := map[float64]float64{}
	for _, s := range samples {
		if s.RelativeError > worst[s.Radius] {
			worst[s.Radius] = s.RelativeError
		}
	}
	return worst
}

func TestProbeErrorGrowsWithRadius(t *testing.T) {
	for name, c := range map[string]model.GeoCoordinate{
		"equator": {Latitude: 0.5, Longitude: 10},
		"london":  {Latitude: 51.5074, Longitude: -0.1278},
		"arctic":  {Latitude: 78.2, Longitude: 15.6},
	} {
		t.Run(name, func(t *testing.T) {
			idx := cellindex.New(nil)
			id, err := idx.CellIDForCoordinate(c, cellindex.DefaultLevel)
			if err != nil {
				t.Fatalf("CellIDForCoordinate: %v", err)
			}
			samples, err := Probe(idx, id, []float64{1000, 5000, 10000}, nil)
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			worst := worstByRadius(samples)
			if !(worst[1000] < worst[5000] && worst[5000] < worst[10000]) {
				t.Fatalf("worst error by radius = %v, want increasing", worst)
			}
			// Curvature drop puts the 10 km error near r^2 / 8R^2.
			if worst[10000] < 1e-7 || worst[10000] > 1e-6 {
				t.Fatalf("worst error at 10 km = %v", worst[10000])
			}
		})
	}
}

func TestValidRadiusNearEquator(t *testing.T) {
	idx := cellindex.New(nil)
	id, err := idx.CellIDForCoordinate(model.GeoCoordinate{Latitude: 0.5, Longitude: 10}, cellindex.DefaultLevel)
	if err != nil {
		t.Fatalf("CellIDForCoordinate: %v", err)
	}
	samples, err := Probe(idx, id, nil, nil)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got := ValidRadius(samples, 0.005); got != DefaultRadii[len(DefaultRadii)-1] {
		t.Fatalf("ValidRadius = %v, want %v", got, DefaultRadii[len(DefaultRadii)-1])
	}
	if got := ValidRadius(samples, 1e-7); got == 0 || got >= 10000 {
		t.Fatalf("ValidRadius at tight tolerance = %v, want between 0 and 10 km", got)
	}
}

func TestProbeRejectsInvalidInput(t *testing.T) {
	idx, id := londonCell(t)
	if _, err := Probe(idx, id, []float64{-1}, nil); err == nil {
		t.Fatalf("expected error for negative radius")
	}
	if _, err := Probe(idx, 0, nil, nil); !errors.Is(err, cellindex.ErrInvalidCell) {
		t.Fatalf("expected ErrInvalidCell, got %v", err)
	}
}

func TestSummarize(t *testing.T) {
	got := Summarize([]Sample{{RelativeError: 0.1}, {RelativeError: 0.3}})
	if got.Count != 2 || math.Abs(got.Mean-0.2) > 1e-12 || got.Max != 0.3 {
		t.Fatalf("summary = %+v", got)
	}
	if got.StdDev <= 0 {
		t.Fatalf("expected positive standard deviation, got %v", got.StdDev)
	}
	if empty := Summarize(nil); empty != (Summary{}) {
		t.Fatalf("empty summary = %+v", empty)
	}
}

func TestValidRadius(t *testing.T) {
	samples := []Sample{
		{Radius: 10, RelativeError: 0},
		{Radius: 10, RelativeError: 0.001},
		{Radius: 100, RelativeError: 0.002},
		{Radius: 1000, RelativeError: 0.02},
		{Radius: 5000, RelativeError: 0.001},
	}
	if got := ValidRadius(samples, 0.005); got != 100 {
		t.Fatalf("ValidRadius = %v, want 100", got)
	}
	if got := ValidRadius(samples, 0.0001); got != 0 {
		t.Fatalf("ValidRadius = %v, want 0", got)
	}
	if got := ValidRadius(samples, 1); got != 5000 {
		t.Fatalf("ValidRadius = %v, want 5000", got)
	}
}

func TestReporterRunsOnOriginEstablished(t *testing.T) {
	idx := cellindex.New(nil)
	m, err := origin.NewManager(idx)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	var got float64
	r := &Reporter{
		Origin:    m,
		Index:     idx,
		Radii:     []float64{100, 1000},
		Tolerance: 0.01,
		OnRadius:  func(radius float64) { got = radius },
	}
	m.Register(r)
	if err := m.EstablishOrigin(context.Background(), model.GeoCoordinate{Latitude: 51.5074, Longitude: -0.1278}); err != nil {
		t.Fatalf("EstablishOrigin: %v", err)
	}

	sum, radius, err := r.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if sum.Count != 2*len(DefaultBearings) || radius != 1000 || got != 1000 {
		t.Fatalf("summary=%+v radius=%v callback=%v", sum, radius, got)
	}
}
