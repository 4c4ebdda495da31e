package main

import "math"

// Arena dimensions, in pixels. All positions live inside this rectangle.
const (
	arenaWidth  float64 = 800
	arenaHeight float64 = 600
)

// Weights and falloff constants for the signal field. The global term
// dominates so the global optimum always outranks every local peak.
const (
	globalWeight   = 0.8
	localWeight    = 0.2
	globalFalloff  = 0.05
	localFalloff   = 0.03
	signalMaxValue = 100
)

// Point is a position in arena coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LocalOptimum is a secondary attractor. Perturbation displaces Position
// from Base, never from the previous Position, so displacement is always
// bounded regardless of how often it is applied.
type LocalOptimum struct {
	Position Point   `json:"position"`
	Base     Point   `json:"basePosition"`
	Strength float64 `json:"strength"`
}

// defaultLocalOptima returns the built-in set of local peaks. Base and
// Position start out equal.
func defaultLocalOptima() []LocalOptimum {
	points := []struct {
		x, y, strength float64
	}{
		{160, 120, 0.40},
		{640, 120, 0.50},
		{160, 480, 0.30},
		{640, 480, 0.45},
		{400, 300, 0.35},
	}

	optima := make([]LocalOptimum, 0, len(points))
	for _, p := range points {
		pt := Point{X: p.x, Y: p.y}
		optima = append(optima, LocalOptimum{
			Position: pt,
			Base:     pt,
			Strength: p.strength,
		})
	}

	return optima
}

// fieldValue computes the signal value shown to a participant standing at p.
// Lower is better; the exact global optimum yields the field minimum.
//
// Coordinates are normalized to the unit arena, the global optimum
// contributes a Gaussian peak, and each local optimum contributes a
// smaller Gaussian scaled by its strength. The 0.8/0.2 weighting keeps
// the global optimum the unique best point wherever it is placed. The
// combined influence is mapped to a display value via 100*(1-combined);
// the result is not clamped, so strong overlapping peaks can push it
// below zero and participants never see a hard floor.
func fieldValue(p, global Point, optima []LocalOptimum) float64 {
	nx := p.X / arenaWidth
	ny := p.Y / arenaHeight
	gx := global.X / arenaWidth
	gy := global.Y / arenaHeight

	dx := nx - gx
	dy := ny - gy
	globalInfluence := math.Exp(-(dx*dx + dy*dy) / globalFalloff)

	var localInfluence float64
	for _, peak := range optima {
		lx := nx - peak.Position.X/arenaWidth
		ly := ny - peak.Position.Y/arenaHeight
		localInfluence += peak.Strength * math.Exp(-(lx*lx+ly*ly)/localFalloff)
	}

	combined := globalWeight*globalInfluence + localWeight*localInfluence

	return signalMaxValue * (1 - combined)
}

// inArena reports whether p lies inside the arena rectangle.
func inArena(p Point) bool {
	return p.X >= 0 && p.X <= arenaWidth && p.Y >= 0 && p.Y <= arenaHeight
}

// clampToArena pins p to the nearest point inside the arena.
func clampToArena(p Point) Point {
	return Point{
		X: math.Min(math.Max(p.X, 0), arenaWidth),
		Y: math.Min(math.Max(p.Y, 0), arenaHeight),
	}
}
