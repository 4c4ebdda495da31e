package main

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

const (
	defaultPerceptionRange float64 = 100
	minPerceptionRange     float64 = 10
	maxPerceptionRange     float64 = 500
)

// defaultGlobalOptimum is the arena center. update-global-optimal requests
// for exactly this point are rejected to guard against accidental resets
// from a stale admin client; the check is deliberately not generalized.
var defaultGlobalOptimum = Point{X: arenaWidth / 2, Y: arenaHeight / 2}

var (
	errRangeOutOfBounds = errors.New("perception range outside [10,500]")
	errDefaultOptimum   = errors.New("refusing to set the default global optimum")
	errOutsideArena     = errors.New("point outside arena bounds")
)

// Session is the single authoritative record of one running experiment.
// It is owned by the Hub and only ever mutated under the Hub's lock.
type Session struct {
	experimentID    string
	running         bool
	startedAt       time.Time
	endedAt         time.Time
	duration        time.Duration
	perceptionRange float64
	globalOptimum   Point
	localOptima     []LocalOptimum

	// adminConn is the connection ID of the current admin, or empty if no
	// admin is attached. Last admin join wins.
	adminConn string
}

func newSession(duration time.Duration) *Session {
	return &Session{
		duration:        duration,
		perceptionRange: defaultPerceptionRange,
		globalOptimum:   defaultGlobalOptimum,
		localOptima:     defaultLocalOptima(),
	}
}

func (s *Session) setPerceptionRange(r float64) error {
	if r < minPerceptionRange || r > maxPerceptionRange {
		return fmt.Errorf("%w: %f", errRangeOutOfBounds, r)
	}
	s.perceptionRange = r
	return nil
}

func (s *Session) setGlobalOptimum(p Point) error {
	if p == defaultGlobalOptimum {
		return errDefaultOptimum
	}
	if !inArena(p) {
		return fmt.Errorf("%w: (%f, %f)", errOutsideArena, p.X, p.Y)
	}
	s.globalOptimum = p
	return nil
}

func (s *Session) randomizeGlobalOptimum() {
	s.globalOptimum = randomArenaPoint()
}

// perturbLocalOptima displaces every local optimum by an independent
// uniform offset in [-max, max] per axis from its base position, clamped
// to arena bounds. Offsets are always relative to the base, so repeated
// perturbation never drifts.
func (s *Session) perturbLocalOptima(max float64) {
	for i := range s.localOptima {
		base := s.localOptima[i].Base
		s.localOptima[i].Position = clampToArena(Point{
			X: base.X + (rand.Float64()*2-1)*max,
			Y: base.Y + (rand.Float64()*2-1)*max,
		})
	}
}

// start transitions Idle -> Running. Returns false without side effects
// if the session is already running.
func (s *Session) start(now time.Time) bool {
	if s.running {
		return false
	}
	s.running = true
	s.startedAt = now
	return true
}

// end transitions Running -> Ended. Idempotent: duplicate calls (manual
// end racing the auto-end timer) return false and skip side effects.
func (s *Session) end(now time.Time) bool {
	if !s.running {
		return false
	}
	s.running = false
	s.endedAt = now
	return true
}

func randomArenaPoint() Point {
	return Point{
		X: rand.Float64() * arenaWidth,
		Y: rand.Float64() * arenaHeight,
	}
}

// Participant is one connected, non-admin client.
type Participant struct {
	ID          int64
	Name        string
	Position    Point
	SignalValue float64
}

// Registry maps connection IDs to participants. Owned by the Hub;
// lifecycle is tied to connect/disconnect.
type Registry struct {
	byConn map[string]*Participant
}

func newRegistry() *Registry {
	return &Registry{byConn: make(map[string]*Participant)}
}

func (r *Registry) join(connID string, p *Participant) {
	r.byConn[connID] = p
}

func (r *Registry) leave(connID string) *Participant {
	p, ok := r.byConn[connID]
	if !ok {
		return nil
	}
	delete(r.byConn, connID)
	return p
}

func (r *Registry) get(connID string) *Participant {
	return r.byConn[connID]
}

func (r *Registry) count() int {
	return len(r.byConn)
}

// list returns all participants ordered by ID, for stable roster output.
func (r *Registry) list() []*Participant {
	out := make([]*Participant, 0, len(r.byConn))
	for _, p := range r.byConn {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}
