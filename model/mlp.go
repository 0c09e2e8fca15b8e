package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/rushteam/fedrec/core"
)

// DefaultHidden 是隐藏层宽度，属于设计常量：聚合端按位置对齐各客户端权重，结构必须一致。
var DefaultHidden = []int{64, 64}

// bceEpsilon 对概率做裁剪，避免 log(0)
const bceEpsilon = 1e-7

// MLP 是多层感知机二分类模型（Multi-Layer Perceptron）。
//
// 结构：
//
//	input(dim(user)+dim(video)) -> [Dense(64) ReLU] x2 -> Dense(1) Sigmoid
//
// 训练：全批次梯度下降，二元交叉熵 loss。
// 初始化：给定 seed 时完全确定（Glorot uniform 权重，零偏置），同一 seed 的 loss 轨迹可复现。
//
// 并发：Train / LoadWeights 持写锁，预测持读锁。
type MLP struct {
	mu     sync.RWMutex
	sizes  []int
	layers []dense
	lr     float64
	seed   uint64

	// pool 复用训练 / 推理的中间缓冲区（激活值、梯度）
	pool sync.Pool
}

type dense struct {
	w *mat.Dense // in x out
	b []float64  // out
}

// MLPOption MLP 配置选项
type MLPOption func(*MLP)

// WithHidden 设置隐藏层宽度
func WithHidden(hidden ...int) MLPOption {
	return func(m *MLP) {
		if len(hidden) > 0 {
			m.sizes = append([]int{m.sizes[0]}, hidden...)
		}
	}
}

// WithLearningRate 设置学习率
func WithLearningRate(lr float64) MLPOption {
	return func(m *MLP) {
		if lr > 0 {
			m.lr = lr
		}
	}
}

// WithSeed 设置初始化随机种子
func WithSeed(seed uint64) MLPOption {
	return func(m *MLP) {
		m.seed = seed
	}
}

// NewMLP 创建 MLP，inputDim 为特征维度（用户向量维度 + 视频向量维度）。
func NewMLP(inputDim int, opts ...MLPOption) (*MLP, error) {
	if inputDim <= 0 {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput,
			fmt.Sprintf("model: input dim must be positive, got %d", inputDim))
	}
	m := &MLP{
		sizes: append([]int{inputDim}, DefaultHidden...),
		lr:    core.DefaultLearningRate,
		seed:  1,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, h := range m.sizes[1:] {
		if h <= 0 {
			return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput,
				fmt.Sprintf("model: hidden width must be positive, got %v", m.sizes[1:]))
		}
	}
	m.sizes = append(m.sizes, 1)
	m.pool.New = func() any { return &workspace{} }
	m.init()
	return m, nil
}

func (m *MLP) Name() string { return "mlp" }

// InputDim 返回输入特征维度
func (m *MLP) InputDim() int { return m.sizes[0] }

// Sizes 返回各层宽度（含输入与输出层）
func (m *MLP) Sizes() []int { return append([]int(nil), m.sizes...) }

// init Glorot uniform 初始化：limit = sqrt(6 / (in + out))
func (m *MLP) init() {
	rng := rand.New(rand.NewPCG(m.seed, m.seed^0x9e3779b97f4a7c15))
	m.layers = make([]dense, len(m.sizes)-1)
	for l := range m.layers {
		in, out := m.sizes[l], m.sizes[l+1]
		limit := math.Sqrt(6 / float64(in+out))
		data := make([]float64, in*out)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * limit
		}
		m.layers[l] = dense{w: mat.NewDense(in, out, data), b: make([]float64, out)}
	}
}

// workspace 是一次前向 / 反向传播的缓冲区，通过 sync.Pool 复用。
type workspace struct {
	acts  []*mat.Dense // acts[0] = X, acts[l+1] = 第 l 层输出
	delta *mat.Dense
	next  *mat.Dense
	grad  []*mat.Dense
}

func (m *MLP) acquire(n int) *workspace {
	ws := m.pool.Get().(*workspace)
	layers := len(m.layers)
	if len(ws.acts) != layers+1 {
		ws.acts = make([]*mat.Dense, layers+1)
		ws.grad = make([]*mat.Dense, layers)
		for i := range ws.acts {
			ws.acts[i] = &mat.Dense{}
		}
		for i := range ws.grad {
			ws.grad[i] = &mat.Dense{}
		}
		ws.delta, ws.next = &mat.Dense{}, &mat.Dense{}
	}
	for i, a := range ws.acts {
		reuse(a, n, m.sizes[i])
	}
	for l, g := range ws.grad {
		reuse(g, m.sizes[l], m.sizes[l+1])
	}
	return ws
}

// release 清空缓冲区后放回 pool
func (m *MLP) release(ws *workspace) {
	for _, a := range ws.acts {
		a.Reset()
	}
	for _, g := range ws.grad {
		g.Reset()
	}
	ws.delta.Reset()
	ws.next.Reset()
	m.pool.Put(ws)
}

func reuse(d *mat.Dense, r, c int) {
	d.Reset()
	d.ReuseAs(r, c)
}

// forward 前向传播，结果写入 ws.acts（调用方持锁）
func (m *MLP) forward(ws *workspace) {
	last := len(m.layers) - 1
	for l, layer := range m.layers {
		out := ws.acts[l+1]
		out.Mul(ws.acts[l], layer.w)
		b := layer.b
		if l == last {
			out.Apply(func(_, j int, v float64) float64 { return sigmoid(v + b[j]) }, out)
		} else {
			out.Apply(func(_, j int, v float64) float64 { return relu(v + b[j]) }, out)
		}
	}
}

// Train 全批次梯度下降 epochs 轮（epochs <= 0 按 1 轮），返回每轮的 loss。
func (m *MLP) Train(X [][]float64, y []float64, epochs int) ([]float64, error) {
	if err := m.validate(X); err != nil {
		return nil, err
	}
	if len(y) != len(X) {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput,
			fmt.Sprintf("model: %d rows but %d labels", len(X), len(y)))
	}
	if len(X) == 0 {
		return nil, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput, "model: empty batch")
	}
	if epochs <= 0 {
		epochs = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(X)
	ws := m.acquire(n)
	defer m.release(ws)
	for i, row := range X {
		ws.acts[0].SetRow(i, row)
	}

	losses := make([]float64, 0, epochs)
	for e := 0; e < epochs; e++ {
		m.forward(ws)
		losses = append(losses, bce(ws.acts[len(ws.acts)-1], y))
		m.backward(ws, y)
	}
	return losses, nil
}

// backward 反向传播并用 SGD 更新参数（调用方持锁）。
//
//	dZ_L = (A_L - y) / n          sigmoid + BCE
//	dW_l = A_{l-1}ᵀ dZ_l
//	db_l = Σ_rows dZ_l
//	dZ_{l-1} = (dZ_l W_lᵀ) ⊙ relu'(A_{l-1})
func (m *MLP) backward(ws *workspace, y []float64) {
	n := float64(len(y))
	last := len(m.layers)

	out := ws.acts[last]
	reuse(ws.delta, len(y), 1)
	ws.delta.Apply(func(i, _ int, v float64) float64 { return (v - y[i]) / n }, out)

	for l := last - 1; l >= 0; l-- {
		layer := m.layers[l]
		ws.grad[l].Mul(ws.acts[l].T(), ws.delta)

		rows, cols := ws.delta.Dims()
		db := make([]float64, cols)
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				db[j] += ws.delta.At(i, j)
			}
		}

		if l > 0 {
			ws.next.Reset()
			ws.next.Mul(ws.delta, layer.w.T())
			prev := ws.acts[l]
			ws.next.Apply(func(i, j int, v float64) float64 {
				if prev.At(i, j) > 0 {
					return v
				}
				return 0
			}, ws.next)
		}

		// 先算完下一层的 delta 再更新当前层权重
		ws.grad[l].Scale(m.lr, ws.grad[l])
		layer.w.Sub(layer.w, ws.grad[l])
		for j := range layer.b {
			layer.b[j] -= m.lr * db[j]
		}

		if l > 0 {
			ws.delta, ws.next = ws.next, ws.delta
		}
	}
}

// Loss 计算当前参数下的 BCE loss，不更新参数
func (m *MLP) Loss(X [][]float64, y []float64) (float64, error) {
	p, err := m.PredictBatch(X)
	if err != nil {
		return 0, err
	}
	if len(y) != len(p) {
		return 0, core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidInput,
			fmt.Sprintf("model: %d rows but %d labels", len(p), len(y)))
	}
	return bce(mat.NewDense(len(p), 1, p), y), nil
}

// PredictBatch 批量预测喜欢概率
func (m *MLP) PredictBatch(X [][]float64) ([]float64, error) {
	if err := m.validate(X); err != nil {
		return nil, err
	}
	if len(X) == 0 {
		return []float64{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ws := m.acquire(len(X))
	defer m.release(ws)
	for i, row := range X {
		ws.acts[0].SetRow(i, row)
	}
	m.forward(ws)
	return mat.Col(nil, 0, ws.acts[len(ws.acts)-1]), nil
}

// Predict 预测单个样本
func (m *MLP) Predict(x []float64) (float64, error) {
	p, err := m.PredictBatch([][]float64{x})
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// ExtractWeights 逐层导出参数：先权重（in x out）后偏置。
func (m *MLP) ExtractWeights() core.ModelWeights {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(core.ModelWeights, len(m.layers))
	for l, layer := range m.layers {
		in, _ := layer.w.Dims()
		k := make([][]float64, in)
		for i := 0; i < in; i++ {
			k[i] = mat.Row(nil, i, layer.w)
		}
		out[l] = core.LayerWeights{Kernel: k, Bias: append([]float64(nil), layer.b...)}
	}
	return out
}

// LoadWeights 导入参数，逐层校验形状。
func (m *MLP) LoadWeights(w core.ModelWeights) error {
	if len(w) != len(m.layers) {
		return core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidSchema,
			fmt.Sprintf("model: expected %d layers, got %d", len(m.layers), len(w)))
	}
	layers := make([]dense, len(w))
	for l, lw := range w {
		in, out := m.sizes[l], m.sizes[l+1]
		if len(lw.Kernel) != in || len(lw.Bias) != out {
			return core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidSchema,
				fmt.Sprintf("model: layer %d shape %dx%d/%d, want %dx%d/%d", l, len(lw.Kernel), rowLen(lw.Kernel), len(lw.Bias), in, out, out))
		}
		data := make([]float64, 0, in*out)
		for _, row := range lw.Kernel {
			if len(row) != out {
				return core.NewDomainError(core.ModuleModel, core.ErrorCodeInvalidSchema,
					fmt.Sprintf("model: layer %d kernel row has %d columns, want %d", l, len(row), out))
			}
			data = append(data, row...)
		}
		layers[l] = dense{w: mat.NewDense(in, out, data), b: append([]float64(nil), lw.Bias...)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = layers
	return nil
}

func (m *MLP) validate(X [][]float64) error {
	for i, row := range X {
		if len(row) != m.sizes[0] {
			return core.DimensionMismatch(core.ModuleModel, m.sizes[0], len(row), fmt.Sprintf("row #%d", i))
		}
	}
	return nil
}

func rowLen(k [][]float64) int {
	if len(k) == 0 {
		return 0
	}
	return len(k[0])
}

// bce 二元交叉熵平均值
func bce(p mat.Matrix, y []float64) float64 {
	var sum float64
	for i, label := range y {
		q := math.Min(math.Max(p.At(i, 0), bceEpsilon), 1-bceEpsilon)
		sum -= label*math.Log(q) + (1-label)*math.Log(1-q)
	}
	return sum / float64(len(y))
}

func relu(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

var _ Classifier = (*MLP)(nil)
