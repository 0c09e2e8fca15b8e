package service

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/rushteam/fedrec/logging"
)

// RetryTransport 在网络错误、429 与 5xx 时按指数退避重试：2^i * Backoff（100ms, 200ms, 400ms...）。
// 其他 4xx 不重试。等待期间请求 context 取消则立即返回。
type RetryTransport struct {
	Base       http.RoundTripper
	MaxRetries int
	Backoff    time.Duration
}

// NewRetryTransport 创建重试 Transport，base 为 nil 时使用 http.DefaultTransport。
func NewRetryTransport(base http.RoundTripper, maxRetries int) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RetryTransport{Base: base, MaxRetries: maxRetries, Backoff: 100 * time.Millisecond}
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// 为了能多次重试，需要缓存 Request Body
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	var (
		resp *http.Response
		err  error
	)
	for i := 0; i <= t.MaxRetries; i++ {
		attempt := req
		if bodyBytes != nil {
			attempt = req.Clone(req.Context())
			attempt.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err = t.Base.RoundTrip(attempt)
		if !retryable(resp, err) || i == t.MaxRetries {
			return resp, err
		}

		wait := t.Backoff << i
		ev := logging.Component("sync").Debug().Int("attempt", i+1).Dur("wait", wait)
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Int("status", resp.StatusCode)
			// 丢弃本次响应，释放连接
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
		ev.Msg("request failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}
	}
	return resp, err
}

// retryable 判断是否需要重试：1. 网络错误 2. 状态码为 429 或 5xx
func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}
