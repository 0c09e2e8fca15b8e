package vector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/logging"
	"github.com/rushteam/fedrec/metrics"
	"github.com/rushteam/fedrec/pkg/conv"
)

// HTTPProvider 通过 REST 行查询获取视频向量。
//
// 请求格式（PostgREST / Supabase）：
//
//	GET {endpoint}/rest/v1/{table}?select=id,{column}&id=in.("1","2","3")
//	apikey: <key>
//	Authorization: Bearer <key>
//
// 响应行的顺序不保证，按 id 重排为请求顺序；缺失的行或空向量列返回空向量。
type HTTPProvider struct {
	// Endpoint 服务地址（不含 /rest/v1）
	Endpoint string

	// Table 视频表名
	Table string

	// Column 向量列名
	Column string

	// APIKey 服务 apikey（可选）
	APIKey string

	// Timeout 超时时间
	Timeout time.Duration

	httpClient *http.Client
}

// HTTPOption HTTPProvider 配置选项
type HTTPOption func(*HTTPProvider)

// WithAPIKey 设置 apikey
func WithAPIKey(key string) HTTPOption {
	return func(p *HTTPProvider) {
		p.APIKey = key
	}
}

// WithTable 设置表名与向量列名，空字符串保持默认值
func WithTable(table, column string) HTTPOption {
	return func(p *HTTPProvider) {
		if table != "" {
			p.Table = table
		}
		if column != "" {
			p.Column = column
		}
	}
}

// WithHTTPTimeout 设置超时时间
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(p *HTTPProvider) {
		if timeout > 0 {
			p.Timeout = timeout
		}
	}
}

// WithHTTPClient 使用自定义 http.Client（测试 / 自定义 Transport）
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) {
		p.httpClient = c
	}
}

// NewHTTPProvider 创建 REST provider
func NewHTTPProvider(endpoint string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Table:    "videos",
		Column:   "gen_vector",
		Timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: p.Timeout}
	}
	return p
}

func (p *HTTPProvider) Name() string { return "http" }

// Fetch 实现 core.VideoVectorProvider
func (p *HTTPProvider) Fetch(ctx context.Context, videoIDs []string) ([]core.Vector, error) {
	if len(videoIDs) == 0 {
		return []core.Vector{}, nil
	}

	rows, err := p.query(ctx, videoIDs)
	if err != nil {
		metrics.VideoVectorFetches.WithLabelValues(p.Name(), "error").Inc()
		return nil, err
	}
	metrics.VideoVectorFetches.WithLabelValues(p.Name(), "ok").Inc()

	byID := make(map[string]core.Vector, len(rows))
	for _, row := range rows {
		id, ok := conv.ToString(row["id"])
		if !ok {
			continue
		}
		vec, ok := conv.ToFloat64Slice(row[p.Column])
		if !ok || len(vec) == 0 {
			continue
		}
		byID[id] = vec
	}

	out := make([]core.Vector, len(videoIDs))
	missing := 0
	for i, id := range videoIDs {
		out[i] = byID[id]
		if out[i].Empty() {
			missing++
		}
	}
	if missing > 0 {
		logging.Component("vector").Debug().
			Int("requested", len(videoIDs)).
			Int("missing", missing).
			Msg("video vectors not found")
	}
	return out, nil
}

// inFilter 构造 PostgREST 的 in 过滤条件。每个 id 加双引号，
// 其中的 \ 与 " 转义，id 中出现逗号或括号时不会被拆开。
func inFilter(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = `"` + idEscaper.Replace(id) + `"`
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}

var idEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func (p *HTTPProvider) query(ctx context.Context, videoIDs []string) ([]map[string]any, error) {
	q := url.Values{}
	q.Set("select", "id,"+p.Column)
	q.Set("id", inFilter(videoIDs))
	u := fmt.Sprintf("%s/rest/v1/%s?%s", p.Endpoint, p.Table, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.APIKey != "" {
		req.Header.Set("apikey", p.APIKey)
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleVector, core.ErrorCodeUnavailable, "vector: http request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, core.NewDomainError(core.ModuleVector, core.ErrorCodeUnavailable,
			fmt.Sprintf("vector: rest error: status=%d, body=%s", resp.StatusCode, string(body)))
	}

	var rows []map[string]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return rows, nil
}

var _ core.VideoVectorProvider = (*HTTPProvider)(nil)
