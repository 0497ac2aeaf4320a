package accuracy

import (
	"context"

	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/model"
)

// Origin is the read side of the origin manager.
type Origin interface {
	CurrentCellID() (model.CellID, error)
}

// Reporter probes the planar accuracy around the origin once it is
// established. It is registered as an origin listener.
type Reporter struct {
	Origin    Origin
	Index     Index
	Radii     []float64
	Bearings  []float64
	Tolerance float64
	Log       logging.Logger
	// OnRadius, if set, receives the computed valid radius.
	OnRadius func(radius float64)

	summary Summary
	radius  float64
	err     error
}

// OriginEstablished runs the probe.
func (r *Reporter) OriginEstablished() {
	ctx := context.Background()
	log := logging.OrNoop(r.Log)

	cellID, err := r.Origin.CurrentCellID()
	if err != nil {
		r.err = err
		log.Warn(ctx, "accuracy probe skipped", logging.Err(err))
		return
	}
	samples, err := Probe(r.Index, cellID, r.Radii, r.Bearings)
	if err != nil {
		r.err = err
		log.Warn(ctx, "accuracy probe failed", logging.Err(err))
		return
	}
	r.summary = Summarize(samples)
	r.radius = ValidRadius(samples, r.Tolerance)

	log.Info(ctx, "planar accuracy probed",
		logging.String("cell_id", cellID.String()),
		logging.Int("samples", r.summary.Count),
		logging.Float64("mean_relative_error", r.summary.Mean),
		logging.Float64("max_relative_error", r.summary.Max),
		logging.Float64("tolerance", r.Tolerance),
		logging.Float64("valid_radius", r.radius),
	)
	if r.OnRadius != nil {
		r.OnRadius(r.radius)
	}
}

// Result returns the last summary and valid radius. It must be read from
// the goroutine that owns the origin manager.
func (r *Reporter) Result() (Summary, float64, error) {
	return r.summary, r.radius, r.err
}
