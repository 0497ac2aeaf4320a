package anchor

import (
	"sync"

	"github.com/signalsfoundry/geo-origin/model"
)

// MemoryPose is a Pose that records what it was told. It is safe for
// concurrent use.
type MemoryPose struct {
	mu       sync.RWMutex
	position model.LocalPosition
	active   bool
	writes   int
}

func (p *MemoryPose) SetLocalPosition(pos model.LocalPosition) {
	p.mu.Lock()
	p.position = pos
	p.writes++
	p.mu.Unlock()
}

func (p *MemoryPose) SetActive(active bool) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

// Position returns the last written local position.
func (p *MemoryPose) Position() model.LocalPosition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.position
}

// Active reports the last activation state.
func (p *MemoryPose) Active() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Writes returns how many times the position has been set.
func (p *MemoryPose) Writes() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.writes
}
