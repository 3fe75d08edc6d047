package core

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/PHIN-materials/pair-PHIN/model"
)

// Vec3 is a Cartesian vector in the host's distance units.
type Vec3 struct {
	X, Y, Z float64
}

// V3 converts a host position triple.
func V3(p [3]float64) Vec3 { return Vec3{X: p[0], Y: p[1], Z: p[2]} }

// Array returns v as a host position triple.
func (v Vec3) Array() [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.Norm2())
}

// Norm2 returns the squared Euclidean norm.
func (v Vec3) Norm2() float64 {
	return v.X*v.X + v.Y*v.Y + v.Z*v.Z
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Cell is the periodic cell of a box. Rows of M are the lattice vectors
//
//	a = (lx, 0, 0)
//	b = (xy, ly, 0)
//	c = (xz, yz, lz)
//
// so a translation by integer shift s is sᵀ·M.
type Cell struct {
	M [3][3]float64

	// invT is (M⁻¹)ᵀ, which maps a Cartesian displacement to lattice
	// coordinates.
	invT [3][3]float64
}

// NewCell builds the lower-triangular cell matrix of b and its inverse.
func NewCell(b model.Box) (Cell, error) {
	l := b.Lengths()
	c := Cell{M: [3][3]float64{
		{l[0], 0, 0},
		{b.XY, l[1], 0},
		{b.XZ, b.YZ, l[2]},
	}}

	if l[0] <= 0 || l[1] <= 0 || l[2] <= 0 {
		return Cell{}, fmt.Errorf("%w: degenerate box lengths %v", ErrGeometry, l)
	}

	dense := mat.NewDense(3, 3, []float64{
		c.M[0][0], c.M[0][1], c.M[0][2],
		c.M[1][0], c.M[1][1], c.M[1][2],
		c.M[2][0], c.M[2][1], c.M[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(dense); err != nil {
		return Cell{}, fmt.Errorf("%w: cell matrix not invertible: %v", ErrGeometry, err)
	}
	for r := 0; r < 3; r++ {
		for col := 0; col < 3; col++ {
			c.invT[r][col] = inv.At(col, r)
		}
	}
	return c, nil
}

// Fractional maps a Cartesian displacement onto lattice coordinates.
func (c Cell) Fractional(d Vec3) Vec3 {
	m := &c.invT
	return Vec3{
		X: m[0][0]*d.X + m[0][1]*d.Y + m[0][2]*d.Z,
		Y: m[1][0]*d.X + m[1][1]*d.Y + m[1][2]*d.Z,
		Z: m[2][0]*d.X + m[2][1]*d.Y + m[2][2]*d.Z,
	}
}

// Translate returns the Cartesian translation of integer lattice shift s.
func (c Cell) Translate(s [3]int) Vec3 {
	return c.Cartesian(Vec3{X: float64(s[0]), Y: float64(s[1]), Z: float64(s[2])})
}

// Cartesian maps lattice coordinates onto a Cartesian displacement, fᵀ·M.
func (c Cell) Cartesian(f Vec3) Vec3 {
	m := &c.M
	return Vec3{
		X: f.X*m[0][0] + f.Y*m[1][0] + f.Z*m[2][0],
		Y: f.X*m[0][1] + f.Y*m[1][1] + f.Z*m[2][1],
		Z: f.X*m[0][2] + f.Y*m[1][2] + f.Z*m[2][2],
	}
}

// RoundShift rounds a fractional shift per component and returns the largest
// per-component deviation from the rounded value.
func RoundShift(f Vec3) ([3]int, float64) {
	comps := [3]float64{f.X, f.Y, f.Z}
	var s [3]int
	dev := 0.0
	for i, v := range comps {
		r := math.Round(v)
		s[i] = int(r)
		if d := math.Abs(v - r); d > dev {
			dev = d
		}
	}
	return s, dev
}

// Heights returns the distances between opposite faces of the cell, i.e. the
// widths a sphere must fit within along each lattice direction.
func (c Cell) Heights() [3]float64 {
	var h [3]float64
	for d := 0; d < 3; d++ {
		row := Vec3{X: c.invT[d][0], Y: c.invT[d][1], Z: c.invT[d][2]}
		h[d] = 1 / row.Norm()
	}
	return h
}
