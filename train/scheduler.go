// Package train 负责本地训练的调度与执行。
package train

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/pkg/dsl"
)

// Stats 是调度决策的输入
type Stats struct {
	Count  int // 累计交互次数（单调递增）
	Liked  int // 当前喜欢的视频数
	Viewed int // 当前看过的视频数
}

// Scheduler 决定何时触发本地训练与同步。
//
// 默认策略：count >= threshold && count % threshold == 0，即每第 threshold 次交互触发一次，
// 同一个 count 不会重复触发（count 只在状态改变时递增）。
// 配置了 CEL 规则时由规则代替默认策略，规则求值出错时回退到默认策略。
//
// 除输入外无状态，可并发使用。
type Scheduler struct {
	threshold int
	rule      *dsl.Rule
	logger    *zerolog.Logger
}

// NewScheduler 创建调度器。threshold 必须为正；rule 为空表示使用默认策略，语法错误在此处返回。
func NewScheduler(threshold int, rule string) (*Scheduler, error) {
	if threshold <= 0 {
		return nil, core.NewDomainError(core.ModuleTrain, core.ErrorCodeInvalidInput,
			fmt.Sprintf("train: threshold must be positive, got %d", threshold))
	}
	s := &Scheduler{threshold: threshold, logger: logging.Component("train")}
	if rule != "" {
		r, err := dsl.Compile(rule)
		if err != nil {
			return nil, core.WrapDomainError(core.ModuleTrain, core.ErrorCodeInvalidInput, "train: invalid trigger rule", err)
		}
		s.rule = r
	}
	return s, nil
}

// Threshold 返回训练间隔
func (s *Scheduler) Threshold() int { return s.threshold }

// ShouldTrain 默认策略
func (s *Scheduler) ShouldTrain(count int) bool {
	return count >= s.threshold && count%s.threshold == 0
}

// Decide 根据当前统计决定是否训练
func (s *Scheduler) Decide(st Stats) bool {
	if s.rule == nil {
		return s.ShouldTrain(st.Count)
	}
	ok, err := s.rule.Eval(dsl.Vars{
		Count:     st.Count,
		Threshold: s.threshold,
		Liked:     st.Liked,
		Viewed:    st.Viewed,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("rule", s.rule.String()).Msg("trigger rule failed, using default policy")
		return s.ShouldTrain(st.Count)
	}
	return ok
}
