package producer

import (
	"math"
)

// Position is a point in pixel space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance between p and q.
func (p Position) Distance(q Position) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Ball is the physics model behind the synthetic video. Position is in
// pixels, velocity in pixels per second.
type Ball struct {
	X, Y   float64
	VX, VY float64
	Radius float64
}

// NewBall places a ball at the centre of a width x height box moving at speed
// pixels per second along angle (radians).
func NewBall(width, height int, radius, speed, angle float64) Ball {
	return Ball{
		X:      float64(width) / 2,
		Y:      float64(height) / 2,
		VX:     math.Cos(angle) * speed,
		VY:     math.Sin(angle) * speed,
		Radius: radius,
	}
}

// Position returns the ball centre.
func (b *Ball) Position() Position {
	return Position{X: b.X, Y: b.Y}
}

// Step advances the ball by dt seconds. An axis that would take the ball out
// of [radius, size-radius] has its velocity reflected and its position clamped
// to the bound.
func (b *Ball) Step(dt float64, width, height int) {
	b.X += b.VX * dt
	b.Y += b.VY * dt

	w, h := float64(width), float64(height)
	if b.X-b.Radius < 0 || b.X+b.Radius > w {
		b.VX = -b.VX
		b.X = clamp(b.X, b.Radius, w-b.Radius)
	}
	if b.Y-b.Radius < 0 || b.Y+b.Radius > h {
		b.VY = -b.VY
		b.Y = clamp(b.Y, b.Radius, h-b.Radius)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
