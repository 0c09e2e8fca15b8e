// Package model 实现端上训练的二分类模型（用户 ‖ 视频 特征 -> 喜欢概率）。
package model

import "github.com/rushteam/fedrec/core"

// Classifier 是本地可训练二分类模型的最小抽象。
// 训练与权重导入导出都在端上完成，权重按 core.ModelWeights 的位置顺序与聚合端对齐。
type Classifier interface {
	Name() string

	// InputDim 返回输入特征维度
	InputDim() int

	// Train 全批次训练 epochs 轮，返回每轮训练前的 BCE loss
	Train(X [][]float64, y []float64, epochs int) ([]float64, error)

	// PredictBatch 批量预测喜欢概率
	PredictBatch(X [][]float64) ([]float64, error)

	// ExtractWeights 导出全部参数（深拷贝）
	ExtractWeights() core.ModelWeights

	// LoadWeights 导入参数，形状不符时返回错误且不修改模型
	LoadWeights(w core.ModelWeights) error
}
