// Package scene manages the anchors placed in a session. Every change that
// touches the origin manager is routed through the session owner loop.
package scene

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/geo-origin/anchor"
	"github.com/signalsfoundry/geo-origin/internal/anchorstore"
	"github.com/signalsfoundry/geo-origin/internal/logging"
	"github.com/signalsfoundry/geo-origin/model"
	"github.com/signalsfoundry/geo-origin/origin"
)

const abandonTimeout = 5 * time.Second

var (
	// ErrAnchorNotFound is returned when no live anchor has the id.
	ErrAnchorNotFound = errors.New("anchor not found")
	// ErrAnchorExists is returned when placing an anchor whose id is taken.
	ErrAnchorExists = errors.New("anchor already exists")
)

// Runner executes closures on the owner goroutine of the origin manager.
// *session.Session satisfies it.
type Runner interface {
	Do(ctx context.Context, fn func(*origin.Manager)) error
}

// Store persists anchors. *anchorstore.Store satisfies it.
type Store interface {
	Save(ctx context.Context, rec *anchorstore.Record) error
	List(ctx context.Context) ([]*anchorstore.Record, error)
	Delete(ctx context.Context, id string) error
}

// Option configures a Scene.
type Option func(*Scene)

// WithStore persists placed anchors in st.
func WithStore(st Store) Option {
	return func(s *Scene) { s.store = st }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Scene) { s.log = logging.OrNoop(l) }
}

// WithActivationRecorder is passed on to every anchor.
func WithActivationRecorder(r anchor.ActivationRecorder) Option {
	return func(s *Scene) { s.recorder = r }
}

// WithValidRadius sets the planar validity radius given to anchors.
func WithValidRadius(r float64) Option {
	return func(s *Scene) { s.validRadius = r }
}

type entry struct {
	anchor *anchor.Anchor
	pose   *anchor.MemoryPose
}

// Scene holds the live anchors of a session.
type Scene struct {
	runner      Runner
	store       Store
	log         logging.Logger
	recorder    anchor.ActivationRecorder
	validRadius float64

	mu      sync.RWMutex
	anchors map[string]entry
	order   []string
	pending map[string]struct{} // ids of placements in progress
}

// New returns an empty scene whose anchors register through r.
func New(r Runner, opts ...Option) *Scene {
	s := &Scene{
		runner:  r,
		log:     logging.Noop(),
		anchors: make(map[string]entry),
		pending: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(logging.String("component", "scene"))
	return s
}

// ValidRadius returns the planar validity radius given to new anchors.
func (s *Scene) ValidRadius() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validRadius
}

// SetValidRadius changes the radius given to anchors placed from now on.
func (s *Scene) SetValidRadius(r float64) {
	s.mu.Lock()
	s.validRadius = r
	s.mu.Unlock()
}

// Place creates an anchor from cfg and registers it with the origin
// manager. When persist is set and a store is configured the anchor is
// saved first. The id is held for the whole placement, so a concurrent
// Place with the same id fails with ErrAnchorExists before touching the
// store.
func (s *Scene) Place(ctx context.Context, cfg anchor.Config, persist bool) (anchor.State, error) {
	s.mu.RLock()
	if cfg.ValidRadius == 0 {
		cfg.ValidRadius = s.validRadius
	}
	s.mu.RUnlock()

	pose := &anchor.MemoryPose{}
	var (
		a      *anchor.Anchor
		newErr error
		cellID model.CellID
	)
	err := s.runner.Do(ctx, func(m *origin.Manager) {
		a, newErr = anchor.New(cfg, m, m.Index(), pose,
			anchor.WithLogger(s.log),
			anchor.WithActivationRecorder(s.recorder),
		)
		if newErr != nil {
			return
		}
		cellID, _ = m.CurrentCellID()
	})
	if err != nil {
		return anchor.State{}, err
	}
	if newErr != nil {
		return anchor.State{}, newErr
	}

	id := a.ID()
	if err := s.reserve(id); err != nil {
		return anchor.State{}, err
	}
	placed := false
	defer func() {
		if !placed {
			s.release(id)
		}
	}()

	saved := false
	if persist && s.store != nil {
		rec := &anchorstore.Record{
			ID:          id,
			Name:        a.Name(),
			Coordinate:  a.Coordinate(),
			Altitude:    a.Altitude(),
			MaxDistance: a.MaxDistance(),
			OriginCell:  cellID,
		}
		if err := s.store.Save(ctx, rec); err != nil {
			return anchor.State{}, err
		}
		saved = true
	}

	if err := s.runner.Do(ctx, func(m *origin.Manager) { a.Start(m) }); err != nil {
		s.abandon(ctx, a, saved)
		return anchor.State{}, err
	}

	s.mu.Lock()
	delete(s.pending, id)
	s.anchors[id] = entry{anchor: a, pose: pose}
	s.order = append(s.order, id)
	s.mu.Unlock()
	placed = true

	s.log.Info(ctx, "anchor placed",
		logging.String("anchor_id", id),
		logging.String("coordinate", a.Coordinate().String()),
		logging.Bool("persisted", saved),
	)
	return a.Snapshot(), nil
}

// PlaceLocal places an anchor at a position in the scene frame. The origin
// must be established.
func (s *Scene) PlaceLocal(ctx context.Context, name string, pos model.LocalPosition, maxDistance float64, persist bool) (anchor.State, error) {
	var (
		coord   model.GeoCoordinate
		convErr error
	)
	err := s.runner.Do(ctx, func(m *origin.Manager) {
		cellID, err := m.CurrentCellID()
		if err != nil {
			convErr = err
			return
		}
		coord, convErr = m.Index().ToWorld(pos, cellID)
	})
	if err != nil {
		return anchor.State{}, err
	}
	if convErr != nil {
		return anchor.State{}, convErr
	}
	return s.Place(ctx, anchor.Config{
		Name:        name,
		Coordinate:  coord,
		Altitude:    pos.Y,
		MaxDistance: maxDistance,
	}, persist)
}

// Remove deregisters and forgets the anchor with id, deleting it from the
// store when one is configured.
func (s *Scene) Remove(ctx context.Context, id string) error {
	s.mu.RLock()
	e, ok := s.anchors[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAnchorNotFound, id)
	}
	if err := s.runner.Do(ctx, func(*origin.Manager) { e.anchor.Stop() }); err != nil {
		return err
	}
	s.forget(id)
	if s.store != nil {
		if err := s.store.Delete(ctx, id); err != nil && !errors.Is(err, anchorstore.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Restore places every anchor held in the store. It returns the number
// restored.
func (s *Scene) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		_, err := s.Place(ctx, anchor.Config{
			ID:          rec.ID,
			Name:        rec.Name,
			Coordinate:  rec.Coordinate,
			Altitude:    rec.Altitude,
			MaxDistance: rec.MaxDistance,
		}, false)
		if err != nil {
			return n, fmt.Errorf("restore anchor %s: %w", rec.ID, err)
		}
		n++
	}
	return n, nil
}

// Get returns the state of the anchor with id.
func (s *Scene) Get(id string) (anchor.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.anchors[id]
	if !ok {
		return anchor.State{}, fmt.Errorf("%w: %s", ErrAnchorNotFound, id)
	}
	return e.anchor.Snapshot(), nil
}

// List returns the state of every live anchor in placement order.
func (s *Scene) List() []anchor.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]anchor.State, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.anchors[id].anchor.Snapshot())
	}
	return out
}

// Len returns the number of live anchors.
func (s *Scene) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Scene) reserve(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, live := s.anchors[id]
	_, busy := s.pending[id]
	if live || busy {
		return fmt.Errorf("%w: %s", ErrAnchorExists, id)
	}
	s.pending[id] = struct{}{}
	return nil
}

func (s *Scene) release(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// abandon undoes a placement whose start call failed. The call may still
// be queued on the owner loop, so the stop is queued behind it.
func (s *Scene) abandon(ctx context.Context, a *anchor.Anchor, saved bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()
	log := s.log.With(logging.String("anchor_id", a.ID()))
	if err := s.runner.Do(ctx, func(*origin.Manager) { a.Stop() }); err != nil {
		log.Debug(ctx, "stop after failed start", logging.Err(err))
	}
	if !saved {
		return
	}
	if err := s.store.Delete(ctx, a.ID()); err != nil && !errors.Is(err, anchorstore.ErrNotFound) {
		log.Warn(ctx, "stored anchor left behind after failed start", logging.Err(err))
	}
}

func (s *Scene) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.anchors, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
