package geom

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Vec2 is a point or direction on the arena floor (x, z).
type Vec2 struct {
	X float64 `json:"x" yaml:"x"`
	Z float64 `json:"z" yaml:"z"`
}

func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Z + o.Z} }
func (v Vec2) Sub(o Vec2) Vec2      { return Vec2{v.X - o.X, v.Z - o.Z} }
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Z * s} }
func (v Vec2) Len() float64         { return math.Hypot(v.X, v.Z) }
func (v Vec2) Slice() []float64     { return []float64{v.X, v.Z} }
func (v Vec2) Dist(o Vec2) float64  { return floats.Distance(v.Slice(), o.Slice(), 2) }
func (v Vec2) IsZero() bool         { return v.X == 0 && v.Z == 0 }

// Normalized returns the unit vector, or zero for a zero vector.
func (v Vec2) Normalized() Vec2 {
	l := v.Len()
	if l == 0 {
		return Vec2{}
	}
	return Vec2{v.X / l, v.Z / l}
}

// Cell is a coarse grid cell: round(x), round(z).
type Cell struct{ X, Z int }

func (v Vec2) Cell() Cell {
	return Cell{X: int(math.Round(v.X)), Z: int(math.Round(v.Z))}
}

// Rect is an axis-aligned arena centered on the origin.
type Rect struct {
	HalfWidth  float64 `yaml:"half_width"`
	HalfLength float64 `yaml:"half_length"`
}

// Contains reports strict interior membership.
func (r Rect) Contains(p Vec2) bool {
	return p.X > -r.HalfWidth && p.X < r.HalfWidth && p.Z > -r.HalfLength && p.Z < r.HalfLength
}

func (r Rect) Clamp(p Vec2) Vec2 {
	return Vec2{
		X: math.Max(-r.HalfWidth, math.Min(r.HalfWidth, p.X)),
		Z: math.Max(-r.HalfLength, math.Min(r.HalfLength, p.Z)),
	}
}

// Normalize maps a position into [-1,1] by the half extents.
func (r Rect) Normalize(p Vec2) Vec2 {
	return Vec2{X: p.X / r.HalfWidth, Z: p.Z / r.HalfLength}
}

func (r Rect) Denormalize(p Vec2) Vec2 {
	return Vec2{X: p.X * r.HalfWidth, Z: p.Z * r.HalfLength}
}

// Circle is a static obstacle footprint.
type Circle struct {
	Center Vec2    `yaml:"center"`
	Radius float64 `yaml:"radius"`
}

// Overlaps reports whether a body of radius r at p touches the circle.
func (c Circle) Overlaps(p Vec2, r float64) bool {
	return p.Dist(c.Center) < c.Radius+r
}

// Blocks reports whether the segment a-b passes through the circle.
func (c Circle) Blocks(a, b Vec2) bool {
	ab := b.Sub(a)
	l2 := ab.X*ab.X + ab.Z*ab.Z
	t := 0.0
	if l2 > 0 {
		ac := c.Center.Sub(a)
		t = math.Max(0, math.Min(1, (ac.X*ab.X+ac.Z*ab.Z)/l2))
	}
	closest := a.Add(ab.Scale(t))
	return closest.Dist(c.Center) < c.Radius
}
