package core

import (
	"errors"
	"math"
	"testing"

	"github.com/PHIN-materials/pair-PHIN/model"
)

func TestVec3Arithmetic(t *testing.T) {
	a := Vec3{X: 1, Y: 2, Z: 3}
	b := Vec3{X: 4, Y: 6, Z: 3}

	if got := b.Sub(a).Norm(); got != 5 {
		t.Fatalf("Sub/Norm = %v, want 5", got)
	}
	if got := b.Sub(a).Add(a); got != b {
		t.Fatalf("Sub/Add round trip = %v, want %v", got, b)
	}
	if got := a.Norm2(); got != 14 {
		t.Fatalf("Norm2 = %v, want 14", got)
	}
}

func TestCellOrthogonal(t *testing.T) {
	c, err := NewCell(model.Box{Hi: [3]float64{2, 4, 5}})
	if err != nil {
		t.Fatalf("NewCell: %v", err)
	}
	f := c.Fractional(Vec3{X: 2, Y: -4, Z: 10})
	if !vecClose(f, Vec3{X: 1, Y: -1, Z: 2}, 1e-12) {
		t.Fatalf("Fractional = %v, want (1,-1,2)", f)
	}
	if got := c.Translate([3]int{1, -1, 2}); got != (Vec3{X: 2, Y: -4, Z: 10}) {
		t.Fatalf("Translate = %v", got)
	}
}

func TestCellTriclinicRoundTrip(t *testing.T) {
	box := model.Box{
		Lo: [3]float64{-1, -1, -1},
		Hi: [3]float64{3, 4, 5},
		XY: 0.7, XZ: -0.4, YZ: 1.1,
	}
	c, err := NewCell(box)
	if err != nil {
		t.Fatalf("NewCell: %v", err)
	}
	if c.M[1][0] != 0.7 || c.M[2][0] != -0.4 || c.M[2][1] != 1.1 {
		t.Fatalf("tilts not placed in lower triangle: %v", c.M)
	}

	for _, s := range [][3]int{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {-1, 2, -3}} {
		d := c.Translate(s)
		got, dev := RoundShift(c.Fractional(d))
		if got != s {
			t.Fatalf("shift %v round trip = %v", s, got)
		}
		if dev > 1e-12 {
			t.Fatalf("shift %v deviation = %g", s, dev)
		}
	}
}

func TestCellDegenerate(t *testing.T) {
	_, err := NewCell(model.Box{Hi: [3]float64{1, 0, 1}})
	if !errors.Is(err, ErrGeometry) {
		t.Fatalf("NewCell degenerate err = %v, want ErrGeometry", err)
	}
}

func TestRoundShiftDeviation(t *testing.T) {
	s, dev := RoundShift(Vec3{X: 0.98, Y: -1.5000001, Z: 0})
	if s != [3]int{1, -2, 0} {
		t.Fatalf("RoundShift = %v", s)
	}
	if math.Abs(dev-0.4999999) > 1e-9 {
		t.Fatalf("deviation = %v, want ~0.5", dev)
	}
}

func vecClose(a, b Vec3, tol float64) bool {
	return math.Abs(a.X-b.X) <= tol && math.Abs(a.Y-b.Y) <= tol && math.Abs(a.Z-b.Z) <= tol
}

func TestCellHeights(t *testing.T) {
	c, err := NewCell(model.Box{Hi: [3]float64{4, 4, 4}, XY: 1})
	if err != nil {
		t.Fatalf("NewCell: %v", err)
	}
	h := c.Heights()
	want := [3]float64{64 / math.Sqrt(272), 4, 4}
	for d := range h {
		if math.Abs(h[d]-want[d]) > 1e-12 {
			t.Fatalf("Heights()[%d] = %v, want %v", d, h[d], want[d])
		}
	}
}
