// Package session 把交互记录、用户向量、本地训练、联邦同步与可视化组装成一个会话对象。
//
// Session 持有全部组件，没有包级可变状态；同一进程可以并存多个 Session（测试即如此）。
//
// 事件流：
//
//	OnLike / OnUnlike / OnView
//	  -> interaction.Store 记录
//	  -> 重建用户向量（仅喜欢状态变化时）
//	  -> TrainIfDue：调度器判定到期 -> 本地训练 -> 同步到聚合端
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rushteam/fedrec/config"
	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/interaction"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/metrics"
	"github.com/rushteam/fedrec/projection"
	"github.com/rushteam/fedrec/rank"
	"github.com/rushteam/fedrec/service"
	"github.com/rushteam/fedrec/store"
	"github.com/rushteam/fedrec/train"
	"github.com/rushteam/fedrec/vector"
)

var (
	// ErrBusy 同类操作正在进行，本次调用被跳过
	ErrBusy = core.NewDomainError(core.ModuleSession, core.ErrorCodeBusy, "session: operation already in progress")

	// ErrSuperseded 可视化请求已被更新的请求取代，结果被丢弃
	ErrSuperseded = core.NewDomainError(core.ModuleSession, core.ErrorCodeSuperseded, "session: request superseded by a newer one")
)

// 训练跳过原因
const (
	SkipNotDue     = "not_due"
	SkipBusy       = "busy"
	SkipDegenerate = "degenerate_batch"
	SkipError      = "error"
)

// Outcome 是一次事件处理（或 TrainIfDue）的结果。
// 训练与同步失败不会作为错误返回，只体现在 Outcome 与日志里。
type Outcome struct {
	Trained bool
	Synced  bool
	Skipped string
	Round   int
	Loss    float64
}

// Visualization 是一次可视化的结果
type Visualization struct {
	// VideoIDs 有向量的候选视频，顺序与 Projection.Points 前 len(VideoIDs) 个点一致
	VideoIDs []string

	// Missing 没有向量或向量维度与用户向量不同、未参与投影的候选
	Missing []string

	// Projection 二维坐标，用户是最后一个点
	Projection *core.ProjectionResult

	// Neighbors 原始空间中离用户最近的候选，Index 指向 VideoIDs
	Neighbors []core.Neighbor
}

// payloadBuilder 由 service.SyncClient 实现，按同步模式构造载荷
type payloadBuilder interface {
	Payload(clientID string, X [][]float64, y []float64, weights core.ModelWeights, round int) *core.SyncPayload
}

// Session 个性化与联邦学习客户端会话
type Session struct {
	kv        core.Store
	ownsStore bool
	clientID  string

	provider     core.VideoVectorProvider
	interactions *interaction.Store
	aggregator   *vector.Aggregator
	scheduler    *train.Scheduler
	trainer      *train.Trainer
	projector    *projection.Projector
	sync         core.SyncService
	recommend    *service.RecommendClient
	neighborK    int

	rebuilding     atomic.Bool
	rebuildPending atomic.Bool
	training       atomic.Bool
	lastDue        atomic.Int64
	generation     atomic.Uint64
	group          singleflight.Group

	logger *zerolog.Logger
}

type options struct {
	dim        int
	train      train.Config
	projection projection.Config
	sync       core.SyncService
	recommend  *service.RecommendClient
	neighborK  int
}

// Option Session 配置选项
type Option func(*options)

// WithDim 设置向量维度（默认 core.CanonicalDim）
func WithDim(dim int) Option {
	return func(o *options) {
		if dim > 0 {
			o.dim = dim
		}
	}
}

// WithTrainConfig 设置训练配置
func WithTrainConfig(cfg train.Config) Option {
	return func(o *options) {
		o.train = cfg
	}
}

// WithProjection 设置投影配置
func WithProjection(cfg projection.Config) Option {
	return func(o *options) {
		o.projection = cfg
	}
}

// WithSync 设置同步服务（默认 service.NopSync）
func WithSync(svc core.SyncService) Option {
	return func(o *options) {
		if svc != nil {
			o.sync = svc
		}
	}
}

// WithRecommender 设置推荐客户端
func WithRecommender(c *service.RecommendClient) Option {
	return func(o *options) {
		o.recommend = c
	}
}

// WithNeighborK 设置可视化近邻数
func WithNeighborK(k int) Option {
	return func(o *options) {
		if k > 0 {
			o.neighborK = k
		}
	}
}

// New 创建会话并从 kv 恢复交互记录、模型快照与 client id。kv 为 nil 时使用内存存储。
func New(ctx context.Context, kv core.Store, provider core.VideoVectorProvider, opts ...Option) (*Session, error) {
	if provider == nil {
		return nil, fmt.Errorf("video vector provider is required")
	}
	o := &options{
		dim:        core.CanonicalDim,
		train:      train.DefaultConfig(),
		projection: projection.DefaultConfig(),
		sync:       service.NopSync{},
		neighborK:  core.DefaultNeighborK,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.train.Threshold <= 0 {
		o.train.Threshold = core.DefaultTrainThreshold
	}
	if kv == nil {
		kv = store.NewMemoryStore()
	}

	s := &Session{
		kv:        kv,
		provider:  provider,
		sync:      o.sync,
		recommend: o.recommend,
		neighborK: o.neighborK,
		logger:    logging.Component("session"),
	}

	var err error
	if s.scheduler, err = train.NewScheduler(o.train.Threshold, o.train.Rule); err != nil {
		return nil, err
	}
	if s.projector, err = projection.New(o.projection); err != nil {
		return nil, err
	}

	s.interactions = interaction.NewStore(kv)
	s.interactions.Load(ctx)
	s.aggregator = vector.NewAggregator(s.interactions, provider, vector.WithDim(o.dim), vector.WithStore(kv))

	if s.trainer, err = train.NewTrainer(s.interactions, provider, kv, o.dim, o.train); err != nil {
		return nil, err
	}
	s.trainer.Restore(ctx)

	// 恢复的计数视为已处理，重启不会重复触发同一轮训练
	s.lastDue.Store(int64(s.interactions.Count()))
	s.clientID = s.loadClientID(ctx)
	return s, nil
}

// Open 按配置打开存储、provider、同步与推荐服务并创建会话；Close 时一并关闭存储。
func Open(ctx context.Context, cfg *config.Config) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	kv, err := store.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	provider, err := vector.NewProvider(&cfg.Vector)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	syncSvc, err := service.NewSyncService(ctx, &cfg.Sync, kv)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}

	s, err := New(ctx, kv, provider,
		WithDim(cfg.Vector.Dim),
		WithTrainConfig(cfg.Train),
		WithProjection(cfg.Projection),
		WithSync(syncSvc),
		WithRecommender(service.NewRecommendService(&cfg.Sync)),
		WithNeighborK(cfg.NeighborK),
	)
	if err != nil {
		_ = syncSvc.Close()
		_ = kv.Close()
		return nil, err
	}
	s.ownsStore = true
	return s, nil
}

// ClientID 返回持久化的设备标识
func (s *Session) ClientID() string { return s.clientID }

// Interactions 返回交互记录存储（只读使用）
func (s *Session) Interactions() *interaction.Store { return s.interactions }

// OnLike 记录一次喜欢
func (s *Session) OnLike(ctx context.Context, videoID string) (Outcome, error) {
	return s.onRating(ctx, videoID, true)
}

// OnUnlike 记录一次明确的不喜欢
func (s *Session) OnUnlike(ctx context.Context, videoID string) (Outcome, error) {
	return s.onRating(ctx, videoID, false)
}

// OnView 记录一次曝光，已有记录时不变
func (s *Session) OnView(ctx context.Context, videoID string) (Outcome, error) {
	if err := s.interactions.RecordViewed(ctx, videoID); err != nil {
		return Outcome{}, err
	}
	return s.TrainIfDue(ctx), nil
}

func (s *Session) onRating(ctx context.Context, videoID string, liked bool) (Outcome, error) {
	if err := s.interactions.Record(ctx, videoID, liked); err != nil {
		return Outcome{}, err
	}
	if _, err := s.RebuildUserVector(ctx); err != nil && !core.IsBusy(err) {
		s.logger.Warn().Err(err).Str("video_id", videoID).Msg("user vector rebuild failed, keeping previous vector")
	}
	return s.TrainIfDue(ctx), nil
}

// RebuildUserVector 重新聚合用户向量。
// 已有重建在进行时返回 ErrBusy，并让进行中的重建在结束前再跑一轮，保证最新的喜欢状态被计入。
func (s *Session) RebuildUserVector(ctx context.Context) (core.Vector, error) {
	if !s.rebuilding.CompareAndSwap(false, true) {
		s.rebuildPending.Store(true)
		metrics.UserVectorBuilds.WithLabelValues("busy").Inc()
		return nil, ErrBusy
	}
	for {
		s.rebuildPending.Store(false)
		v, err := s.aggregator.Build(ctx)
		if err == nil && s.rebuildPending.Load() {
			continue
		}
		s.rebuilding.Store(false)
		// 释放标记之后到达的请求
		if err == nil && s.rebuildPending.Load() && s.rebuilding.CompareAndSwap(false, true) {
			continue
		}
		return v, err
	}
}

// UserVector 返回当前持久化的用户向量；并发读取共享同一次加载。
func (s *Session) UserVector(ctx context.Context) core.Vector {
	v, _, _ := s.group.Do("user_vector", func() (any, error) {
		return s.aggregator.Cached(ctx), nil
	})
	return v.(core.Vector).Clone()
}

// TrainIfDue 在调度器判定到期时执行一次本地训练并同步。
//
// 训练使用脱离调用方取消的 context：页面离开不会打断进行中的训练。
// 同一个交互计数只触发一次；已有训练在进行时跳过。
func (s *Session) TrainIfDue(ctx context.Context) Outcome {
	count := s.interactions.Count()
	if int64(count) == s.lastDue.Load() {
		return Outcome{Skipped: SkipNotDue}
	}
	st := train.Stats{
		Count:  count,
		Liked:  len(s.interactions.LikedIDs()),
		Viewed: s.interactions.Len(),
	}
	if !s.scheduler.Decide(st) {
		return Outcome{Skipped: SkipNotDue}
	}
	if !s.training.CompareAndSwap(false, true) {
		metrics.TrainingPasses.WithLabelValues("busy").Inc()
		return Outcome{Skipped: SkipBusy}
	}
	defer s.training.Store(false)
	s.lastDue.Store(int64(count))

	ctx = logging.ContextWithCorrelationID(context.WithoutCancel(ctx), logging.GenerateCorrelationID())
	log := logging.Ctx(ctx)

	res, err := s.trainer.Pass(ctx, s.UserVector(ctx))
	switch {
	case core.IsDegenerateBatch(err):
		return Outcome{Skipped: SkipDegenerate}
	case err != nil:
		log.Warn().Err(err).Int("count", count).Msg("local training failed")
		return Outcome{Skipped: SkipError}
	}

	out := Outcome{Trained: true, Round: res.Round, Loss: res.Losses[len(res.Losses)-1]}
	if err := s.sync.Push(ctx, s.payload(res)); err != nil {
		log.Warn().Err(err).Int("round", res.Round).Msg("sync push failed")
		return out
	}
	out.Synced = true
	return out
}

func (s *Session) payload(res *train.Result) *core.SyncPayload {
	if b, ok := s.sync.(payloadBuilder); ok {
		return b.Payload(s.clientID, res.X, res.Y, res.Weights, res.Round)
	}
	return &core.SyncPayload{ClientID: s.clientID, X: res.X, Y: res.Y, Round: res.Round}
}

// Predict 预测用户喜欢某个视频的概率；模型未训练时返回 0.5。
func (s *Session) Predict(ctx context.Context, videoID string) (float64, error) {
	vecs, err := s.provider.Fetch(ctx, []string{videoID})
	if err != nil {
		return 0, err
	}
	if len(vecs) != 1 || vecs[0].Empty() {
		return 0, core.NewDomainError(core.ModuleSession, core.ErrorCodeNotFound, "session: no vector for video "+videoID)
	}
	return s.trainer.Predict(ctx, s.UserVector(ctx), vecs[0])
}

// Recommend 用当前用户向量请求远程推荐；失败时返回上一次成功的结果与 UNAVAILABLE 错误。
func (s *Session) Recommend(ctx context.Context, topK int) ([]service.Recommendation, error) {
	if s.recommend == nil {
		return nil, core.NewDomainError(core.ModuleSession, core.ErrorCodeNotSupported, "session: recommendation endpoint not configured")
	}
	return s.recommend.Recommend(ctx, s.UserVector(ctx), topK)
}

// candidates 拉取候选向量，按是否可用拆成两组。
// 没有向量或长度与用户向量不同的候选进入 missing，不参与投影、近邻与打分。
func (s *Session) candidates(ctx context.Context, user core.Vector, ids []string) (present []string, vecs []core.Vector, missing []string, err error) {
	fetched, err := s.provider.Fetch(ctx, ids)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(fetched) != len(ids) {
		return nil, nil, nil, core.NewDomainError(core.ModuleSession, core.ErrorCodeInternalError,
			fmt.Sprintf("session: provider %s returned %d vectors for %d ids", s.provider.Name(), len(fetched), len(ids)))
	}

	vecs = make([]core.Vector, 0, len(fetched))
	for i, v := range fetched {
		switch {
		case v.Empty():
			missing = append(missing, ids[i])
		case len(v) != len(user):
			s.logger.Warn().
				Str("video_id", ids[i]).
				Int("expected", len(user)).
				Int("actual", len(v)).
				Msg("candidate vector dimension mismatch, skipped")
			missing = append(missing, ids[i])
		default:
			present = append(present, ids[i])
			vecs = append(vecs, v)
		}
	}
	return present, vecs, missing, nil
}

// Visualize 把用户与候选视频投影到二维，并计算原始空间中离用户最近的候选。
// 期间有更新的 Visualize 调用时返回 ErrSuperseded。
func (s *Session) Visualize(ctx context.Context, candidateIDs []string) (*Visualization, error) {
	gen := s.generation.Add(1)

	user := s.UserVector(ctx)
	ids, present, missing, err := s.candidates(ctx, user, candidateIDs)
	if err != nil {
		return nil, err
	}
	viz := &Visualization{VideoIDs: ids, Missing: missing}

	if viz.Projection, err = s.projector.Visualize(user, present); err != nil {
		return nil, err
	}
	if viz.Neighbors, err = rank.TopK(user, present, s.neighborK); err != nil {
		return nil, err
	}

	if s.generation.Load() != gen {
		return nil, ErrSuperseded
	}
	return viz, nil
}

// RankedVideo 是本地模型打分后的候选
type RankedVideo struct {
	VideoID string  `json:"video_id"`
	Score   float64 `json:"score"`
}

// RankCandidates 用本地模型为候选打分，按分数降序返回；分数相同时保持输入顺序。
// 模型未训练时所有分数为 0.5。无法打分的候选（同 Visualize）放在 missing 中返回。
func (s *Session) RankCandidates(ctx context.Context, candidateIDs []string) (ranked []RankedVideo, missing []string, err error) {
	user := s.UserVector(ctx)
	ids, present, missing, err := s.candidates(ctx, user, candidateIDs)
	if err != nil {
		return nil, nil, err
	}
	scored, err := rank.ByScore(ctx, s.trainer, user, present)
	if err != nil {
		return nil, nil, err
	}
	ranked = make([]RankedVideo, len(scored))
	for i, sc := range scored {
		ranked[i] = RankedVideo{VideoID: ids[sc.Index], Score: sc.Score}
	}
	return ranked, missing, nil
}

// Reset 清除全部本地数据（交互、用户向量、模型、outbox），client id 保留。
// 各 key 依次删除，删除是幂等的，部分失败时可以重试。
func (s *Session) Reset(ctx context.Context) error {
	errs := []error{
		s.interactions.Reset(ctx),
		s.aggregator.Reset(ctx),
		s.trainer.Reset(ctx),
	}
	if r, ok := s.sync.(interface{ Reset(context.Context) error }); ok {
		errs = append(errs, r.Reset(ctx))
	}
	for _, key := range core.PersistedKeys() {
		errs = append(errs, s.kv.Delete(ctx, key))
	}
	s.lastDue.Store(0)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info().Str("client_id", s.clientID).Msg("local personalization data cleared")
	return nil
}

// Close 关闭同步服务，以及 Open 创建的存储
func (s *Session) Close() error {
	err := s.sync.Close()
	if s.ownsStore {
		err = errors.Join(err, s.kv.Close())
	}
	return err
}

// loadClientID 读取或生成设备标识；存储不可用时使用本次进程内的临时标识。
func (s *Session) loadClientID(ctx context.Context) string {
	data, err := s.kv.Get(ctx, core.KeyClientID)
	if err == nil && len(data) > 0 {
		return string(data)
	}
	if err != nil && !core.IsStoreNotFound(err) {
		s.logger.Warn().Err(err).Msg("client id unavailable, using ephemeral id")
		return uuid.NewString()
	}

	id := uuid.NewString()
	if err := s.kv.Set(ctx, core.KeyClientID, []byte(id)); err != nil {
		metrics.StoreErrors.WithLabelValues("session", "client_id").Inc()
		s.logger.Warn().Err(err).Msg("client id not persisted")
	}
	return id
}
