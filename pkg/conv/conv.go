// Package conv 提供 any -> 数值 / 字符串 的转换工具，用于解析外部 JSON（REST 行、推荐响应）时的类型兼容。
package conv

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ToFloat64 将 any 转为 float64。
// 支持 float64、float32、int、int64、int32、json.Number；bool 视为 1.0/0.0。
func ToFloat64(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case bool:
		if val {
			return 1.0, true
		}
		return 0.0, true
	default:
		return 0, false
	}
}

// ToString 将 any 转为 string。
// string 原样返回；数字按最短表示格式化（整数不带小数点），用于兼容数值型 id。
func ToString(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	}
	if f, ok := ToFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64), true
	}
	return "", false
}

// ConvertSlice 将 []T 按 convert 转为 []U，convert 返回 false 的元素被跳过。
func ConvertSlice[T, U any](s []T, convert func(T) (U, bool)) []U {
	if s == nil {
		return nil
	}
	out := make([]U, 0, len(s))
	for _, v := range s {
		if u, ok := convert(v); ok {
			out = append(out, u)
		}
	}
	return out
}

// ToFloat64Slice 将 JSON 解析得到的向量转为 []float64。
//
// 支持：
//   - []any / []float64 / []float32
//   - 文本形式 "[0.1,0.2,...]"（pgvector 列经 REST 返回时的格式）
//
// 任一元素无法转换时返回 (nil, false)，不做部分结果。
func ToFloat64Slice(v any) ([]float64, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case []float64:
		return append([]float64(nil), val...), true
	case []float32:
		out := make([]float64, len(val))
		for i, f := range val {
			out[i] = float64(f)
		}
		return out, true
	case []any:
		out := ConvertSlice(val, ToFloat64)
		if len(out) != len(val) {
			return nil, false
		}
		return out, true
	case string:
		return parseVectorText(val)
	default:
		return nil, false
	}
}

func parseVectorText(s string) ([]float64, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, false
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		return []float64{}, true
	}
	parts := strings.Split(body, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, false
		}
		out[i] = f
	}
	return out, true
}
