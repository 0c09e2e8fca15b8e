// Package dsl 提供基于 CEL (Common Expression Language) 的布尔规则，用于可配置的训练触发策略。
package dsl

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var (
	// celEnv 是全局的 CEL 环境，线程安全，可复用
	celEnv     *cel.Env
	celEnvErr  error
	celEnvOnce sync.Once
)

// initCELEnv 初始化 CEL 环境，定义变量
func initCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("count", cel.IntType),
		cel.Variable("threshold", cel.IntType),
		cel.Variable("liked", cel.IntType),
		cel.Variable("viewed", cel.IntType),
	)
}

// getCELEnv 获取或创建 CEL 环境
func getCELEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = initCELEnv()
	})
	return celEnv, celEnvErr
}

// Vars 是规则可见的变量
type Vars struct {
	Count     int // 累计交互次数
	Threshold int // 配置的训练间隔
	Liked     int // 当前喜欢的视频数
	Viewed    int // 当前看过的视频数
}

// Rule 是编译后的布尔规则，可并发多次求值。
//
// 表达式语法（CEL 标准语法）：
//   - 默认策略：count >= threshold && count % threshold == 0
//   - 需要正负样本：count % threshold == 0 && liked > 0 && viewed > liked
//   - 更稀疏的触发：count % (threshold * 2) == 0
type Rule struct {
	expr string
	prg  cel.Program
}

// Compile 编译表达式，语法错误或返回类型不是 bool 时返回错误。
func Compile(expr string) (*Rule, error) {
	env, err := getCELEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must return bool, got %v", ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program error: %w", err)
	}
	return &Rule{expr: expr, prg: prg}, nil
}

// String 返回原始表达式
func (r *Rule) String() string { return r.expr }

// Eval 对变量求值。运行期错误（如除以 0）返回 (false, err)。
func (r *Rule) Eval(v Vars) (bool, error) {
	out, _, err := r.prg.Eval(map[string]any{
		"count":     int64(v.Count),
		"threshold": int64(v.Threshold),
		"liked":     int64(v.Liked),
		"viewed":    int64(v.Viewed),
	})
	if err != nil {
		return false, fmt.Errorf("eval error: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression must return boolean, got %T", out.Value())
	}
	return result, nil
}
