package vector

import (
	"context"
	"fmt"

	feastsdk "github.com/feast-dev/feast/sdk/go"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/metrics"
)

// FeastProvider 从 Feast 在线特征库获取视频向量。
//
// 每个视频是一行实体 {entity: video_id}，读取一个 list 类型特征（默认 video_embeddings:gen_vector）。
// 支持 double_list / float_list 两种存储类型；特征缺失时返回空向量。
type FeastProvider struct {
	client *feastsdk.GrpcClient

	// Project 项目名称
	Project string

	// Feature 特征引用，格式 "feature_view:feature"
	Feature string

	// Entity 实体列名
	Entity string

	// Endpoint 服务端点（用于信息展示）
	Endpoint string

	token string
}

// FeastOption FeastProvider 配置选项
type FeastOption func(*FeastProvider)

// WithFeastFeature 设置特征引用
func WithFeastFeature(feature string) FeastOption {
	return func(p *FeastProvider) {
		p.Feature = feature
	}
}

// WithFeastEntity 设置实体列名
func WithFeastEntity(entity string) FeastOption {
	return func(p *FeastProvider) {
		p.Entity = entity
	}
}

// WithFeastToken 使用静态 Token 认证
func WithFeastToken(token string) FeastOption {
	return func(p *FeastProvider) {
		p.token = token
	}
}

// NewFeastProvider 创建 Feast provider，port 为 0 时使用默认 gRPC 端口 6565。
func NewFeastProvider(host string, port int, project string, opts ...FeastOption) (*FeastProvider, error) {
	if port == 0 {
		port = 6565
	}
	p := &FeastProvider{
		Project:  project,
		Feature:  "video_embeddings:gen_vector",
		Entity:   "video_id",
		Endpoint: fmt.Sprintf("%s:%d", host, port),
	}
	for _, opt := range opts {
		opt(p)
	}

	var (
		client *feastsdk.GrpcClient
		err    error
	)
	if p.token != "" {
		security := feastsdk.SecurityConfig{
			Credential: feastsdk.NewStaticCredential(p.token),
		}
		client, err = feastsdk.NewSecureGrpcClient(host, port, security)
	} else {
		client, err = feastsdk.NewGrpcClient(host, port)
	}
	if err != nil {
		return nil, core.WrapDomainError(core.ModuleVector, core.ErrorCodeUnavailable, "vector: create feast client", err)
	}
	p.client = client
	return p, nil
}

func (p *FeastProvider) Name() string { return "feast" }

// Fetch 实现 core.VideoVectorProvider
func (p *FeastProvider) Fetch(ctx context.Context, videoIDs []string) ([]core.Vector, error) {
	if len(videoIDs) == 0 {
		return []core.Vector{}, nil
	}

	entities := make([]feastsdk.Row, len(videoIDs))
	for i, id := range videoIDs {
		entities[i] = feastsdk.Row{p.Entity: feastsdk.StrVal(id)}
	}

	resp, err := p.client.GetOnlineFeatures(ctx, &feastsdk.OnlineFeaturesRequest{
		Features: []string{p.Feature},
		Entities: entities,
		Project:  p.Project,
	})
	if err != nil {
		metrics.VideoVectorFetches.WithLabelValues(p.Name(), "error").Inc()
		return nil, core.WrapDomainError(core.ModuleVector, core.ErrorCodeUnavailable, "vector: feast get online features", err)
	}
	metrics.VideoVectorFetches.WithLabelValues(p.Name(), "ok").Inc()

	rows := resp.Rows()
	if len(rows) != len(videoIDs) {
		return nil, core.NewDomainError(core.ModuleVector, core.ErrorCodeInternalError,
			fmt.Sprintf("vector: feast row count mismatch: expected %d, got %d", len(videoIDs), len(rows)))
	}

	out := make([]core.Vector, len(rows))
	for i, row := range rows {
		val, ok := row[p.Feature]
		if !ok || val == nil {
			continue
		}
		if dl := val.GetDoubleListVal(); dl != nil {
			out[i] = append(core.Vector(nil), dl.GetVal()...)
			continue
		}
		if fl := val.GetFloatListVal(); fl != nil {
			vec := make(core.Vector, len(fl.GetVal()))
			for j, f := range fl.GetVal() {
				vec[j] = float64(f)
			}
			out[i] = vec
		}
	}
	return out, nil
}

var _ core.VideoVectorProvider = (*FeastProvider)(nil)
