package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/metrics"
)

// SyncClient 将本地训练贡献上传到联邦聚合端。
//
// 接口：
//
//	POST {endpoint}/local/train
//	batch 模式：  {"X": [[...]], "y": [...], "client_id": "..."}
//	weights 模式：{"weights": [kernel0, bias0, ...], "client_id": "...", "model_version": "1.0.0"}
//
// 语义：
//   - 显式超时（默认 10s），网络错误 / 429 / 5xx 指数退避重试（默认 2 次），之后丢弃
//   - 连续失败达到阈值后熔断，熔断期间直接失败，不发起请求
//   - 聚合端拒绝（429 以外的 4xx）的载荷直接丢弃，不重试也不进入 outbox
//   - 开启 outbox 时，丢弃的载荷进入有界持久化队列，下一次 Push 前先补发
type SyncClient struct {
	// Endpoint 聚合端地址，例如 "http://10.0.0.2:8000"
	Endpoint string

	// Mode 上传训练批次还是权重
	Mode core.SyncMode

	// ModelVersion weights 模式随载荷上传的模型版本
	ModelVersion string

	// Timeout 单次 Push 的总超时（含重试）
	Timeout time.Duration

	// MaxRetries 最大重试次数
	MaxRetries int

	// BreakerFailures 连续失败多少次后熔断
	BreakerFailures uint32

	// Auth 认证信息
	Auth *AuthConfig

	outbox     *Outbox
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[struct{}]
	logger     *zerolog.Logger
}

// SyncOption SyncClient 配置选项
type SyncOption func(*SyncClient)

// WithSyncMode 设置同步模式
func WithSyncMode(mode core.SyncMode) SyncOption {
	return func(c *SyncClient) {
		if mode != "" {
			c.Mode = mode
		}
	}
}

// WithModelVersion 设置 weights 模式上传的模型版本
func WithModelVersion(version string) SyncOption {
	return func(c *SyncClient) {
		c.ModelVersion = version
	}
}

// WithSyncTimeout 设置超时时间
func WithSyncTimeout(timeout time.Duration) SyncOption {
	return func(c *SyncClient) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithSyncRetries 设置最大重试次数
func WithSyncRetries(n int) SyncOption {
	return func(c *SyncClient) {
		if n >= 0 {
			c.MaxRetries = n
		}
	}
}

// WithBreakerFailures 设置熔断阈值
func WithBreakerFailures(n uint32) SyncOption {
	return func(c *SyncClient) {
		if n > 0 {
			c.BreakerFailures = n
		}
	}
}

// WithSyncAuth 设置认证信息
func WithSyncAuth(auth *AuthConfig) SyncOption {
	return func(c *SyncClient) {
		c.Auth = auth
	}
}

// WithOutbox 启用持久化 outbox
func WithOutbox(o *Outbox) SyncOption {
	return func(c *SyncClient) {
		c.outbox = o
	}
}

// WithSyncHTTPClient 使用自定义 http.Client，仍会套上重试 Transport
func WithSyncHTTPClient(hc *http.Client) SyncOption {
	return func(c *SyncClient) {
		c.httpClient = hc
	}
}

// NewSyncClient 创建同步客户端
func NewSyncClient(endpoint string, opts ...SyncOption) *SyncClient {
	c := &SyncClient{
		Endpoint:        strings.TrimRight(endpoint, "/"),
		Mode:            core.SyncModeBatch,
		Timeout:         core.DefaultSyncTimeout,
		MaxRetries:      core.DefaultSyncRetries,
		BreakerFailures: 5,
		logger:          logging.Component("sync"),
	}
	for _, opt := range opts {
		opt(c)
	}

	base := http.DefaultTransport
	if c.httpClient != nil && c.httpClient.Transport != nil {
		base = c.httpClient.Transport
	}
	c.httpClient = &http.Client{Transport: NewRetryTransport(base, c.MaxRetries)}

	c.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    "fedrec-sync",
		Timeout: 30 * time.Second,
		// 被拒绝的载荷说明聚合端在线，不计入熔断失败
		IsSuccessful: func(err error) bool {
			return err == nil || core.IsInvalidInput(err)
		},
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("sync circuit breaker state changed")
		},
	})
	return c
}

// Payload 按同步模式构造载荷
func (c *SyncClient) Payload(clientID string, X [][]float64, y []float64, weights core.ModelWeights, round int) *core.SyncPayload {
	p := &core.SyncPayload{ClientID: clientID, Round: round}
	if c.Mode == core.SyncModeWeights {
		p.Weights = weights
		p.ModelVersion = c.ModelVersion
		return p
	}
	p.X = X
	p.Y = y
	return p
}

// Push 实现 core.SyncService。
// 失败时载荷被丢弃（或进入 outbox），返回的错误仅用于日志与指标。
func (c *SyncClient) Push(ctx context.Context, payload *core.SyncPayload) error {
	if payload == nil {
		return core.NewDomainError(core.ModuleSync, core.ErrorCodeInvalidInput, "sync: nil payload")
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if c.outbox != nil && c.outbox.Len() > 0 {
		sent, dropped, err := c.outbox.Drain(ctx, c.send)
		if sent > 0 {
			metrics.SyncPushes.WithLabelValues("ok").Add(float64(sent))
			c.logger.Info().Int("sent", sent).Msg("flushed sync outbox")
		}
		if dropped > 0 {
			metrics.SyncPushes.WithLabelValues("rejected").Add(float64(dropped))
			c.logger.Warn().Int("dropped", dropped).Msg("aggregator rejected queued payloads, dropped")
		}
		if err != nil {
			// 聚合端仍不可用：本次载荷直接排队
			c.outbox.Enqueue(ctx, payload)
			metrics.SyncPushes.WithLabelValues("queued").Inc()
			return err
		}
	}

	err := c.send(ctx, payload)
	if err == nil {
		metrics.SyncPushes.WithLabelValues("ok").Inc()
		return nil
	}

	// 聚合端明确拒绝的载荷重发也不会成功，不进入 outbox
	if core.IsInvalidInput(err) {
		metrics.SyncPushes.WithLabelValues("rejected").Inc()
		c.logger.Warn().Err(err).Str("client_id", payload.ClientID).Int("round", payload.Round).Msg("sync rejected by aggregator, payload dropped")
		return err
	}
	if c.outbox != nil {
		c.outbox.Enqueue(ctx, payload)
		metrics.SyncPushes.WithLabelValues("queued").Inc()
		c.logger.Warn().Err(err).Int("pending", c.outbox.Len()).Msg("sync failed, payload queued")
		return err
	}
	result := "dropped"
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		result = "breaker_open"
	}
	metrics.SyncPushes.WithLabelValues(result).Inc()
	c.logger.Warn().Err(err).Str("client_id", payload.ClientID).Msg("sync failed, payload dropped")
	return err
}

// send 经过熔断器发送一次（含 Transport 层重试）
func (c *SyncClient) send(ctx context.Context, payload *core.SyncPayload) error {
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, c.post(ctx, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return core.WrapDomainError(core.ModuleSync, core.ErrorCodeUnavailable, "sync: circuit open", err)
		}
		return err
	}
	return nil
}

func (c *SyncClient) post(ctx context.Context, payload *core.SyncPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/local/train", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.Auth.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.WrapDomainError(core.ModuleSync, core.ErrorCodeUnavailable, "sync: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		code := core.ErrorCodeUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			code = core.ErrorCodeInvalidInput
		}
		return core.NewDomainError(core.ModuleSync, code,
			fmt.Sprintf("sync: aggregator error: status=%d, body=%s", resp.StatusCode, string(bodyBytes)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Reset 清空 outbox（本地数据清除时调用）
func (c *SyncClient) Reset(ctx context.Context) error {
	if c.outbox == nil {
		return nil
	}
	return c.outbox.Clear(ctx)
}

// Close 释放空闲连接
func (c *SyncClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// NopSync 在未配置聚合端（离线模式）时使用：只记录日志，不上传。
type NopSync struct{}

func (NopSync) Push(_ context.Context, payload *core.SyncPayload) error {
	if payload != nil {
		logging.Component("sync").Debug().Str("client_id", payload.ClientID).Msg("sync disabled, payload discarded")
	}
	return nil
}

func (NopSync) Close() error { return nil }

var (
	_ core.SyncService = (*SyncClient)(nil)
	_ core.SyncService = NopSync{}
)
