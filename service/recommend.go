package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/pkg/conv"
)

// Recommendation 是推荐服务返回的一个视频
type Recommendation struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// RecommendClient 调用远程推荐服务。
//
//	POST {endpoint}/recommend {"user_vector": [...], "top_k": 10}
//	-> {"recommendations": [{"id": ..., "url": "..."}]}
//
// 请求失败时返回上一次成功的结果（本地缓存的 feed）以及 UNAVAILABLE 错误，
// 调用方可以继续展示缓存结果。
type RecommendClient struct {
	// Endpoint 推荐服务地址
	Endpoint string

	// TopK 默认返回数量
	TopK int

	// Timeout 超时时间
	Timeout time.Duration

	// Auth 认证信息
	Auth *AuthConfig

	httpClient *http.Client

	mu   sync.RWMutex
	last []Recommendation
}

// RecommendOption RecommendClient 配置选项
type RecommendOption func(*RecommendClient)

// WithRecommendTimeout 设置超时时间
func WithRecommendTimeout(timeout time.Duration) RecommendOption {
	return func(c *RecommendClient) {
		if timeout > 0 {
			c.Timeout = timeout
		}
	}
}

// WithRecommendTopK 设置默认返回数量
func WithRecommendTopK(k int) RecommendOption {
	return func(c *RecommendClient) {
		if k > 0 {
			c.TopK = k
		}
	}
}

// WithRecommendAuth 设置认证信息
func WithRecommendAuth(auth *AuthConfig) RecommendOption {
	return func(c *RecommendClient) {
		c.Auth = auth
	}
}

// NewRecommendClient 创建推荐客户端
func NewRecommendClient(endpoint string, opts ...RecommendOption) *RecommendClient {
	c := &RecommendClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		TopK:     core.DefaultRecommendTopK,
		Timeout:  core.DefaultSyncTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.httpClient = &http.Client{
		Timeout:   c.Timeout,
		Transport: NewRetryTransport(nil, 1),
	}
	return c
}

// Recommend 请求推荐结果，topK <= 0 时使用默认值。
func (c *RecommendClient) Recommend(ctx context.Context, userVector core.Vector, topK int) ([]Recommendation, error) {
	if topK <= 0 {
		topK = c.TopK
	}
	recs, err := c.request(ctx, userVector, topK)
	if err != nil {
		fallback := c.Last()
		logging.Component("recommend").Warn().Err(err).Int("fallback", len(fallback)).Msg("recommendation request failed, serving cached feed")
		return fallback, core.WrapDomainError(core.ModuleSync, core.ErrorCodeUnavailable, "recommend: request failed", err)
	}

	c.mu.Lock()
	c.last = recs
	c.mu.Unlock()
	return append([]Recommendation(nil), recs...), nil
}

// Last 返回上一次成功的推荐结果
func (c *RecommendClient) Last() []Recommendation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Recommendation(nil), c.last...)
}

func (c *RecommendClient) request(ctx context.Context, userVector core.Vector, topK int) ([]Recommendation, error) {
	body, err := json.Marshal(map[string]any{
		"user_vector": userVector,
		"top_k":       topK,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/recommend", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.Auth.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("recommend error: status=%d, body=%s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Recommendations []struct {
			ID  any    `json:"id"`
			URL string `json:"url"`
		} `json:"recommendations"`
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	recs := make([]Recommendation, 0, len(result.Recommendations))
	for _, r := range result.Recommendations {
		id, ok := conv.ToString(r.ID)
		if !ok {
			continue
		}
		recs = append(recs, Recommendation{ID: id, URL: r.URL})
	}
	return recs, nil
}
