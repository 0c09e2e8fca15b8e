package projection

import (
	"math"
	"testing"

	"github.com/rushteam/fedrec/core"
)

const eps = 1e-9

func newProjector(t *testing.T) *Projector {
	t.Helper()
	p, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func inBounds(t *testing.T, points [][2]float64, padding float64) {
	t.Helper()
	for i, pt := range points {
		for axis, v := range pt {
			if math.IsNaN(v) || v < padding-eps || v > 1-padding+eps {
				t.Errorf("point %d axis %d = %v, want within [%v, %v]", i, axis, v, padding, 1-padding)
			}
		}
	}
}

// planeGrid 在 dim 维空间中沿 u1、u2 张成的平面生成 3x3 网格，u1 方向方差大于 u2。
func planeGrid(dim int, u1, u2 []float64) []core.Vector {
	var out []core.Vector
	for _, a := range []float64{-3, 0, 3} {
		for _, b := range []float64{-1, 0, 1} {
			v := make(core.Vector, dim)
			for j := range v {
				v[j] = 5
				if j < len(u1) {
					v[j] += a*u1[j] + b*u2[j]
				}
			}
			out = append(out, v)
		}
	}
	return out
}

func planePoints() []core.Vector {
	s := 1 / math.Sqrt2
	return planeGrid(3, []float64{s, s, 0}, []float64{0, 0, 1})
}

func orthonormal(t *testing.T, m *Model) {
	t.Helper()
	var dot, n0, n1 float64
	for j := range m.Axes[0] {
		dot += m.Axes[0][j] * m.Axes[1][j]
		n0 += m.Axes[0][j] * m.Axes[0][j]
		n1 += m.Axes[1][j] * m.Axes[1][j]
	}
	if math.Abs(dot) > 1e-6 || math.Abs(n0-1) > 1e-6 || math.Abs(n1-1) > 1e-6 {
		t.Errorf("axes not orthonormal: dot = %v, |a0|² = %v, |a1|² = %v", dot, n0, n1)
	}
}

func TestFit_ReproducesPlane(t *testing.T) {
	s := 1 / math.Sqrt2
	tests := []struct {
		name    string
		vectors []core.Vector
	}{
		{"plane in 3d", planePoints()},
		// 所有向量分量和相同：方差子空间与全 1 初始向量正交
		{"zero-sum plane in 64d", planeGrid(64, []float64{s, -s, 0, 0}, []float64{0, 0, s, -s})},
		{"axis-aligned plane in 64d", planeGrid(64, []float64{1, 0}, []float64{0, 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProjector(t)
			m := p.Fit(tt.vectors)
			raw, err := m.Transform(tt.vectors)
			if err != nil {
				t.Fatalf("Transform() error = %v", err)
			}

			// 点位于二维平面内时，投影保持两两距离
			for i := range tt.vectors {
				for j := i + 1; j < len(tt.vectors); j++ {
					var want float64
					for k := range tt.vectors[i] {
						d := tt.vectors[i][k] - tt.vectors[j][k]
						want += d * d
					}
					da := raw[i][0] - raw[j][0]
					db := raw[i][1] - raw[j][1]
					got := da*da + db*db
					if math.Abs(got-want) > 1e-6 {
						t.Fatalf("squared distance (%d,%d) = %v, want %v", i, j, got, want)
					}
				}
			}

			if m.Variance[0] < m.Variance[1] {
				t.Errorf("first axis variance %v < second %v", m.Variance[0], m.Variance[1])
			}
			orthonormal(t, m)
		})
	}
}

func TestProject_Bounds(t *testing.T) {
	p := newProjector(t)
	points, err := p.Project(planePoints())
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	inBounds(t, points, 0.1)

	// 每个轴上都取到边界
	for axis := 0; axis < 2; axis++ {
		lo, hi := 1.0, 0.0
		for _, pt := range points {
			lo = math.Min(lo, pt[axis])
			hi = math.Max(hi, pt[axis])
		}
		if math.Abs(lo-0.1) > eps || math.Abs(hi-0.9) > eps {
			t.Errorf("axis %d range = [%v, %v], want [0.1, 0.9]", axis, lo, hi)
		}
	}
}

func TestProject_EdgeCases(t *testing.T) {
	p := newProjector(t)

	tests := []struct {
		name    string
		vectors []core.Vector
		wantLen int
	}{
		{"empty batch", nil, 0},
		{"single point", []core.Vector{{1, 2, 3}}, 1},
		{"identical points", []core.Vector{{1, 1}, {1, 1}, {1, 1}}, 3},
		{"zero dimension", []core.Vector{{}, {}}, 2},
		{"collinear", []core.Vector{{0, 0}, {1, 1}, {2, 2}}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points, err := p.Project(tt.vectors)
			if err != nil {
				t.Fatalf("Project() error = %v", err)
			}
			if len(points) != tt.wantLen {
				t.Fatalf("len(points) = %d, want %d", len(points), tt.wantLen)
			}
			inBounds(t, points, 0.1)
		})
	}

	single, _ := p.Project([]core.Vector{{4, 2}})
	if single[0] != [2]float64{0.1, 0.1} {
		t.Errorf("single point = %v, want [0.1 0.1]", single[0])
	}
}

// 两个最大特征值相等或几乎相等时，主方向本身不唯一；
// 可接受的结果是：两个方向单位正交，且互不相同的输入点投影后仍互不相同。
func TestProject_TiedEigenvalues(t *testing.T) {
	p := newProjector(t)
	tests := []struct {
		name    string
		vectors []core.Vector
	}{
		{"equal eigenvalues", []core.Vector{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}},
		{"near degenerate", []core.Vector{{1, 0}, {0, 1 + 1e-12}, {-1, 0}, {0, -1 - 1e-12}}},
		{"equal eigenvalues in 3d", []core.Vector{{1, 0, 2}, {0, 1, 2}, {-1, 0, 2}, {0, -1, 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orthonormal(t, p.Fit(tt.vectors))

			points, err := p.Project(tt.vectors)
			if err != nil {
				t.Fatalf("Project() error = %v", err)
			}
			inBounds(t, points, 0.1)
			for i := range points {
				for j := i + 1; j < len(points); j++ {
					d := math.Hypot(points[i][0]-points[j][0], points[i][1]-points[j][1])
					if d < 1e-3 {
						t.Errorf("points %d and %d collapsed: %v, %v", i, j, points[i], points[j])
					}
				}
			}
		})
	}
}

func TestProject_ZeroPadsShortVectors(t *testing.T) {
	p := newProjector(t)
	padded, err := p.Project([]core.Vector{{1}, {0, 1}, {2, 2}})
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	explicit, err := p.Project([]core.Vector{{1, 0}, {0, 1}, {2, 2}})
	if err != nil {
		t.Fatalf("Project() error = %v", err)
	}
	for i := range padded {
		for axis := 0; axis < 2; axis++ {
			if math.Abs(padded[i][axis]-explicit[i][axis]) > eps {
				t.Errorf("point %d differs: %v vs %v", i, padded[i], explicit[i])
			}
		}
	}
}

func TestVisualize(t *testing.T) {
	p := newProjector(t)
	res, err := p.Visualize(core.Vector{0, 0}, []core.Vector{{1, 0}, {0, 2}, {3, 3}})
	if err != nil {
		t.Fatalf("Visualize() error = %v", err)
	}
	if res.UserIndex != 3 || len(res.Points) != 4 {
		t.Errorf("Visualize() = %+v, want user at index 3 of 4 points", res)
	}

	empty, err := p.Visualize(core.Vector{1, 2}, nil)
	if err != nil {
		t.Fatalf("Visualize() error = %v", err)
	}
	if empty.UserIndex != 0 || empty.Points[0] != [2]float64{0.1, 0.1} {
		t.Errorf("Visualize(no candidates) = %+v", empty)
	}
}

func TestNormalize(t *testing.T) {
	got := Normalize([][2]float64{{0, 5}, {10, 5}, {5, 5}}, 0.1)
	want := [][2]float64{{0.1, 0.1}, {0.9, 0.1}, {0.5, 0.1}}
	for i := range want {
		for axis := 0; axis < 2; axis++ {
			if math.Abs(got[i][axis]-want[i][axis]) > eps {
				t.Errorf("Normalize()[%d] = %v, want %v", i, got[i], want[i])
			}
		}
	}
}

func TestNew_InvalidPadding(t *testing.T) {
	for _, padding := range []float64{-0.1, 0.5, math.NaN()} {
		if _, err := New(Config{Padding: padding}); err == nil {
			t.Errorf("New(padding=%v) expected error", padding)
		}
	}
}
