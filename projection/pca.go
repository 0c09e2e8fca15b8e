// Package projection 将高维 embedding 降到二维用于可视化（幂迭代 PCA）。
//
// 投影结果按批次自身的 min/max 归一化到 [padding, 1-padding]²：
// 候选集合不同时坐标不可比较，这是预期行为。
package projection

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/metrics"
)

// Config 投影配置
type Config struct {
	// Padding 归一化留白，取值 [0, 0.5)
	Padding float64 `yaml:"padding" koanf:"padding" validate:"gte=0,lt=0.5"`

	// Iterations 每个主方向的幂迭代次数
	Iterations int `yaml:"iterations" koanf:"iterations" validate:"gte=0"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Padding:    core.DefaultProjectionPadding,
		Iterations: core.DefaultPowerIterations,
	}
}

// Projector 执行二维 PCA 投影，无内部状态，可并发使用。
type Projector struct {
	padding    float64
	iterations int
	logger     *zerolog.Logger
}

// New 创建 Projector，Iterations 为 0 时使用默认值。
func New(cfg Config) (*Projector, error) {
	if cfg.Padding < 0 || cfg.Padding >= 0.5 || math.IsNaN(cfg.Padding) {
		return nil, core.NewDomainError(core.ModuleProjection, core.ErrorCodeInvalidInput,
			fmt.Sprintf("projection: padding must be in [0, 0.5), got %v", cfg.Padding))
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = core.DefaultPowerIterations
	}
	return &Projector{
		padding:    cfg.Padding,
		iterations: cfg.Iterations,
		logger:     logging.Component("projection"),
	}, nil
}

// Model 是拟合得到的两个主方向
type Model struct {
	// Mean 各维均值
	Mean []float64

	// Axes 第一、第二主方向（单位向量）；协方差退化时保持初始方向
	Axes [2][]float64

	// Variance 两个方向上的方差（Rayleigh 商）
	Variance [2]float64
}

// Project 将一批向量投影到 [padding, 1-padding]²，输出与输入一一对应。
// 短于批次最大维度的向量补零（会记录 warn 日志）。
func (p *Projector) Project(vectors []core.Vector) ([][2]float64, error) {
	defer metrics.ObserveProjection(time.Now())

	if len(vectors) == 0 {
		return [][2]float64{}, nil
	}
	padded := p.pad(vectors)
	m := p.Fit(padded)
	raw, err := m.Transform(padded)
	if err != nil {
		return nil, err
	}
	return Normalize(raw, p.padding), nil
}

// Visualize 将用户向量追加为最后一个点后投影。
func (p *Projector) Visualize(user core.Vector, candidates []core.Vector) (*core.ProjectionResult, error) {
	batch := make([]core.Vector, 0, len(candidates)+1)
	batch = append(batch, candidates...)
	batch = append(batch, user)

	points, err := p.Project(batch)
	if err != nil {
		return nil, err
	}
	return &core.ProjectionResult{Points: points, UserIndex: len(candidates)}, nil
}

// Fit 用幂迭代求前两个主方向。vectors 必须等长（先经过补零）。
//
// 步骤：
//  1. 按列求均值并中心化
//  2. 协方差 cov = Σ centered[v][i]*centered[v][j] / (N-1)
//  3. 从全 1 向量开始幂迭代，每步 L2 归一化，得到第一主方向
//  4. 从中心化数据中减去第一主方向分量（单步 Gram-Schmidt），对残差重新求协方差并幂迭代，得到第二主方向
//
// 特征值相等或矩阵退化时幂迭代不保证收敛，结果仍是有限的单位向量。
func (p *Projector) Fit(vectors []core.Vector) *Model {
	n := len(vectors)
	d := 0
	if n > 0 {
		d = len(vectors[0])
	}
	m := &Model{Mean: make([]float64, d)}
	if n == 0 || d == 0 {
		m.Axes = [2][]float64{make([]float64, d), make([]float64, d)}
		return m
	}

	x := mat.NewDense(n, d, nil)
	for i, v := range vectors {
		x.SetRow(i, v)
	}
	for j := 0; j < d; j++ {
		m.Mean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}
	centered := mat.NewDense(n, d, nil)
	centered.Apply(func(_, j int, v float64) float64 { return v - m.Mean[j] }, x)

	cov := covariance(centered)
	v1 := powerIterate(cov, p.iterations)

	// 残差 = centered - (centered·v1) v1ᵀ
	scores := mat.NewVecDense(n, nil)
	scores.MulVec(centered, v1)
	var outer, residual mat.Dense
	outer.Outer(1, scores, v1)
	residual.Sub(centered, &outer)

	cov2 := covariance(&residual)
	v2 := powerIterate(cov2, p.iterations)

	m.Axes = [2][]float64{mat.Col(nil, 0, v1), mat.Col(nil, 0, v2)}
	m.Variance = [2]float64{mat.Inner(v1, cov, v1), mat.Inner(v2, cov2, v2)}
	return m
}

// Transform 将向量投影到两个主方向上（未归一化的坐标）
func (m *Model) Transform(vectors []core.Vector) ([][2]float64, error) {
	out := make([][2]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != len(m.Mean) {
			return nil, core.DimensionMismatch(core.ModuleProjection, len(m.Mean), len(v), fmt.Sprintf("vector #%d", i))
		}
		var a, b float64
		for j, val := range v {
			c := val - m.Mean[j]
			a += c * m.Axes[0][j]
			b += c * m.Axes[1][j]
		}
		out[i] = [2]float64{a, b}
	}
	return out, nil
}

// Normalize 将每个坐标轴独立线性映射到 [padding, 1-padding]。
// 某个轴上取值范围为 0 时缩放系数取 1，所有点落在 padding 处。
func Normalize(points [][2]float64, padding float64) [][2]float64 {
	out := make([][2]float64, len(points))
	if len(points) == 0 {
		return out
	}
	span := 1 - 2*padding
	for axis := 0; axis < 2; axis++ {
		lo, hi := points[0][axis], points[0][axis]
		for _, pt := range points[1:] {
			lo = math.Min(lo, pt[axis])
			hi = math.Max(hi, pt[axis])
		}
		scale := 1.0
		if r := hi - lo; r > 0 {
			scale = span / r
		}
		for i, pt := range points {
			out[i][axis] = padding + (pt[axis]-lo)*scale
		}
	}
	return out
}

// pad 将所有向量补零到批次最大维度
func (p *Projector) pad(vectors []core.Vector) []core.Vector {
	maxDim := 0
	for _, v := range vectors {
		maxDim = max(maxDim, len(v))
	}
	out := make([]core.Vector, len(vectors))
	padded := 0
	for i, v := range vectors {
		if len(v) == maxDim {
			out[i] = v
			continue
		}
		pv := core.Zero(maxDim)
		copy(pv, v)
		out[i] = pv
		padded++
	}
	if padded > 0 {
		p.logger.Warn().Int("padded", padded).Int("dim", maxDim).Msg("zero-padded vectors shorter than batch dimension")
	}
	return out
}

// covariance 计算中心化数据的协方差矩阵（分母 N-1）；N < 2 时返回零矩阵。
func covariance(centered mat.Matrix) *mat.SymDense {
	n, d := centered.Dims()
	cov := mat.NewSymDense(d, nil)
	if n < 2 {
		return cov
	}
	stat.CovarianceMatrix(cov, centered, nil)
	return cov
}

// degenerateTol 是 ‖cov·v‖ 相对于 trace(cov) 的下限，低于它视为 v 与方差子空间正交。
const degenerateTol = 1e-12

// powerIterate 从归一化的全 1 向量开始做幂迭代。
//
// 方差所在子空间与全 1 向量正交时（例如各向量分量和相同），cov·v 只剩舍入噪声，
// 此时改从对角线最大的坐标轴重新开始。协方差为零时停止，方向保持上一次的单位向量。
func powerIterate(cov mat.Symmetric, iterations int) *mat.VecDense {
	d := cov.SymmetricDim()
	v := mat.NewVecDense(d, nil)
	for i := 0; i < d; i++ {
		v.SetVec(i, 1/math.Sqrt(float64(d)))
	}

	var trace float64
	axis := 0
	for i := 0; i < d; i++ {
		c := cov.At(i, i)
		trace += c
		if c > cov.At(axis, axis) {
			axis = i
		}
	}
	tol := degenerateTol * trace

	w := mat.NewVecDense(d, nil)
	restarted := false
	for i := 0; i < iterations; i++ {
		w.MulVec(cov, v)
		norm := mat.Norm(w, 2)
		if math.IsNaN(norm) || math.IsInf(norm, 0) {
			break
		}
		if norm <= tol {
			if restarted || trace <= 0 {
				break
			}
			restarted = true
			v.Zero()
			v.SetVec(axis, 1)
			continue
		}
		v.ScaleVec(1/norm, w)
	}
	return v
}
