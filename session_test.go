package main

import (
	"math"
	"testing"
	"time"
)

func TestSetPerceptionRange(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		wantErr bool
	}{
		{"below minimum", 5, true},
		{"above maximum", 600, true},
		{"lower bound", 10, false},
		{"upper bound", 500, false},
		{"middle", 250, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newSession(5 * time.Minute)
			err := s.setPerceptionRange(tc.value)
			if (err != nil) != tc.wantErr {
				t.Fatalf("setPerceptionRange(%f) error = %v, wantErr = %v", tc.value, err, tc.wantErr)
			}
			if tc.wantErr && s.perceptionRange != defaultPerceptionRange {
				t.Errorf("rejected update still changed state: %f", s.perceptionRange)
			}
			if !tc.wantErr && s.perceptionRange != tc.value {
				t.Errorf("perceptionRange = %f, want %f", s.perceptionRange, tc.value)
			}
		})
	}
}

func TestSetPerceptionRangeIdempotent(t *testing.T) {
	s := newSession(5 * time.Minute)
	for i := 0; i < 3; i++ {
		if err := s.setPerceptionRange(250); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if s.perceptionRange != 250 {
		t.Fatalf("perceptionRange = %f, want 250", s.perceptionRange)
	}
}

func TestSetGlobalOptimum(t *testing.T) {
	s := newSession(5 * time.Minute)

	if err := s.setGlobalOptimum(defaultGlobalOptimum); err == nil {
		t.Error("setting the default point should be rejected")
	}
	if err := s.setGlobalOptimum(Point{X: -50, Y: 300}); err == nil {
		t.Error("out-of-bounds point should be rejected")
	}

	want := Point{X: 200, Y: 200}
	if err := s.setGlobalOptimum(want); err != nil {
		t.Fatalf("valid point rejected: %v", err)
	}
	if s.globalOptimum != want {
		t.Fatalf("globalOptimum = %v, want %v", s.globalOptimum, want)
	}
}

func TestRandomizeGlobalOptimumStaysInBounds(t *testing.T) {
	s := newSession(5 * time.Minute)
	for i := 0; i < 100; i++ {
		s.randomizeGlobalOptimum()
		if !inArena(s.globalOptimum) {
			t.Fatalf("randomized optimum %v left the arena", s.globalOptimum)
		}
	}
}

// Perturbation must displace from the fixed base position, never from the
// previous position, so repeated applications stay bounded.
func TestPerturbLocalOptimaBoundedFromBase(t *testing.T) {
	const max = 50.0

	s := newSession(5 * time.Minute)
	for i := 0; i < 20; i++ {
		s.perturbLocalOptima(max)

		for _, o := range s.localOptima {
			if !inArena(o.Position) {
				t.Fatalf("perturbed optimum %v left the arena", o.Position)
			}
			if dx := math.Abs(o.Position.X - o.Base.X); dx > max {
				t.Fatalf("iteration %d: x displacement %f exceeds %f", i, dx, max)
			}
			if dy := math.Abs(o.Position.Y - o.Base.Y); dy > max {
				t.Fatalf("iteration %d: y displacement %f exceeds %f", i, dy, max)
			}
		}
	}
}

func TestPerturbLocalOptimaKeepsBase(t *testing.T) {
	s := newSession(5 * time.Minute)
	bases := make([]Point, len(s.localOptima))
	for i, o := range s.localOptima {
		bases[i] = o.Base
	}

	s.perturbLocalOptima(50)

	for i, o := range s.localOptima {
		if o.Base != bases[i] {
			t.Fatalf("optimum %d base moved from %v to %v", i, bases[i], o.Base)
		}
	}
}

func TestStartEndStateMachine(t *testing.T) {
	s := newSession(5 * time.Minute)
	now := time.Now()

	if s.end(now) {
		t.Error("end before start should be a no-op")
	}
	if !s.start(now) {
		t.Fatal("first start should succeed")
	}
	if s.start(now.Add(time.Second)) {
		t.Error("second start should be a no-op")
	}
	if s.startedAt != now {
		t.Errorf("startedAt = %v, want %v", s.startedAt, now)
	}

	endAt := now.Add(time.Minute)
	if !s.end(endAt) {
		t.Fatal("first end should succeed")
	}
	if s.end(endAt.Add(time.Second)) {
		t.Error("duplicate end should be a no-op")
	}
	if s.endedAt != endAt {
		t.Errorf("endedAt = %v, want %v", s.endedAt, endAt)
	}
	if s.running {
		t.Error("session still marked running after end")
	}
}

func TestRegistryLifecycle(t *testing.T) {
	r := newRegistry()

	if r.count() != 0 {
		t.Fatalf("fresh registry count = %d", r.count())
	}
	if r.leave("missing") != nil {
		t.Error("leaving an unknown connection should return nil")
	}

	r.join("conn-b", &Participant{ID: 2, Name: "bob"})
	r.join("conn-a", &Participant{ID: 1, Name: "alice"})

	if r.count() != 2 {
		t.Fatalf("count = %d, want 2", r.count())
	}
	if p := r.get("conn-a"); p == nil || p.Name != "alice" {
		t.Fatalf("get(conn-a) = %+v", p)
	}

	list := r.list()
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Fatalf("list not ordered by ID: %+v", list)
	}

	if p := r.leave("conn-b"); p == nil || p.ID != 2 {
		t.Fatalf("leave(conn-b) = %+v", p)
	}
	if r.count() != 1 {
		t.Fatalf("count after leave = %d, want 1", r.count())
	}
}
