package session

import (
	"time"

	"github.com/signalsfoundry/geo-origin/model"
)

// RefreshPolicy decides when a new measurement should be requested: after
// the camera has moved farther than Distance metres from where the last
// measurement was taken, or once Timeout has elapsed since then. Either
// condition is disabled when it is zero or negative.
type RefreshPolicy struct {
	Timeout  time.Duration
	Distance float64

	started bool
	lastAt  time.Time
	lastPos model.LocalPosition
}

// Reset records now and pos as the point of the latest measurement.
func (p *RefreshPolicy) Reset(now time.Time, pos model.LocalPosition) {
	p.started = true
	p.lastAt = now
	p.lastPos = pos
}

// Due reports whether a new measurement should be requested. The first call
// only starts the policy.
func (p *RefreshPolicy) Due(now time.Time, pos model.LocalPosition) bool {
	if !p.started {
		p.Reset(now, pos)
		return false
	}
	if p.Distance > 0 {
		moved := model.LocalPosition{
			X: pos.X - p.lastPos.X,
			Y: pos.Y - p.lastPos.Y,
			Z: pos.Z - p.lastPos.Z,
		}
		if moved.Magnitude() > p.Distance {
			return true
		}
	}
	return p.Timeout > 0 && now.Sub(p.lastAt) > p.Timeout
}

// Enabled reports whether either trigger is configured.
func (p *RefreshPolicy) Enabled() bool {
	return p != nil && (p.Timeout > 0 || p.Distance > 0)
}
