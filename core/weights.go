package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// LayerWeights 是一个全连接层的参数。
//
//	Kernel[in][out] = weight
//	Bias[out]       = bias
type LayerWeights struct {
	Kernel [][]float64
	Bias   []float64
}

// ModelWeights 是模型全部参数，按层排列。
//
// 序列化格式（与聚合端按位置对齐）：
//
//	[kernel0, bias0, kernel1, bias1, ...]
//
// 即逐层、先权重后偏置的嵌套数组，与各客户端独立训练的模型一一对应。
type ModelWeights []LayerWeights

// Arrays 返回传输无关的嵌套数组形式。
func (w ModelWeights) Arrays() []any {
	out := make([]any, 0, len(w)*2)
	for _, l := range w {
		out = append(out, l.Kernel, l.Bias)
	}
	return out
}

// Clone 深拷贝全部参数。
func (w ModelWeights) Clone() ModelWeights {
	out := make(ModelWeights, len(w))
	for i, l := range w {
		k := make([][]float64, len(l.Kernel))
		for r := range l.Kernel {
			k[r] = append([]float64(nil), l.Kernel[r]...)
		}
		out[i] = LayerWeights{Kernel: k, Bias: append([]float64(nil), l.Bias...)}
	}
	return out
}

// NumParams 返回参数总数。
func (w ModelWeights) NumParams() int {
	n := 0
	for _, l := range w {
		for _, row := range l.Kernel {
			n += len(row)
		}
		n += len(l.Bias)
	}
	return n
}

func (w ModelWeights) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.Arrays())
}

func (w *ModelWeights) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return WrapDomainError(ModuleModel, ErrorCodeInvalidSchema, "model: weights are not an array", err)
	}
	if len(raw)%2 != 0 {
		return NewDomainError(ModuleModel, ErrorCodeInvalidSchema,
			fmt.Sprintf("model: expected kernel/bias pairs, got %d tensors", len(raw)))
	}
	out := make(ModelWeights, 0, len(raw)/2)
	for i := 0; i < len(raw); i += 2 {
		var l LayerWeights
		if err := json.Unmarshal(raw[i], &l.Kernel); err != nil {
			return WrapDomainError(ModuleModel, ErrorCodeInvalidSchema, fmt.Sprintf("model: tensor %d is not a kernel", i), err)
		}
		if err := json.Unmarshal(raw[i+1], &l.Bias); err != nil {
			return WrapDomainError(ModuleModel, ErrorCodeInvalidSchema, fmt.Sprintf("model: tensor %d is not a bias", i+1), err)
		}
		out = append(out, l)
	}
	*w = out
	return nil
}
