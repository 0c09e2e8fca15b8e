package core

// Interaction 是单个视频的当前交互状态。
// 以 VideoID 唯一标识，后写覆盖 Viewed / Liked，不保留翻转历史。
type Interaction struct {
	VideoID string `json:"videoId"`
	Viewed  bool   `json:"viewed"`
	Liked   bool   `json:"liked"`
}

// Label 返回训练标签：喜欢为 1，否则为 0。
func (it Interaction) Label() float64 {
	if it.Liked {
		return 1
	}
	return 0
}

// TrainingSample 是一条训练样本：user ‖ video 特征 + 标签。
// 每次训练时由交互记录临时构造，不持久化。
type TrainingSample struct {
	Features Vector
	Label    float64
}
