package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/store"
)

// aggregator 是测试用的聚合端，按 statuses 依次返回状态码（用完后返回 200）。
type aggregator struct {
	mu       sync.Mutex
	statuses []int
	hits     atomic.Int32
	bodies   [][]byte
}

func (a *aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.hits.Add(1)
	if r.URL.Path != "/local/train" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	a.mu.Lock()
	a.bodies = append(a.bodies, body)
	status := http.StatusOK
	if len(a.statuses) > 0 {
		status, a.statuses = a.statuses[0], a.statuses[1:]
	}
	a.mu.Unlock()
	w.WriteHeader(status)
}

func (a *aggregator) last(t *testing.T) map[string]any {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	var m map[string]any
	if err := json.Unmarshal(a.bodies[len(a.bodies)-1], &m); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return m
}

func fastClient(endpoint string, opts ...SyncOption) *SyncClient {
	c := NewSyncClient(endpoint, opts...)
	c.httpClient.Transport.(*RetryTransport).Backoff = time.Millisecond
	return c
}

func TestSyncClient_BatchPayload(t *testing.T) {
	agg := &aggregator{}
	srv := httptest.NewServer(agg)
	defer srv.Close()

	c := fastClient(srv.URL)
	p := c.Payload("client-1", [][]float64{{1, 2}, {3, 4}}, []float64{1, 0}, core.ModelWeights{{Bias: []float64{1}}}, 1)
	if err := c.Push(context.Background(), p); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	got := agg.last(t)
	if got["client_id"] != "client-1" {
		t.Errorf("client_id = %v", got["client_id"])
	}
	if !reflect.DeepEqual(got["X"], []any{[]any{1.0, 2.0}, []any{3.0, 4.0}}) {
		t.Errorf("X = %v", got["X"])
	}
	if !reflect.DeepEqual(got["y"], []any{1.0, 0.0}) {
		t.Errorf("y = %v", got["y"])
	}
	if _, ok := got["weights"]; ok {
		t.Error("batch payload must not carry weights")
	}
}

func TestSyncClient_WeightsPayload(t *testing.T) {
	agg := &aggregator{}
	srv := httptest.NewServer(agg)
	defer srv.Close()

	c := fastClient(srv.URL, WithSyncMode(core.SyncModeWeights), WithModelVersion("1.0.0"))
	w := core.ModelWeights{{Kernel: [][]float64{{0.5}}, Bias: []float64{0.1}}}
	if err := c.Push(context.Background(), c.Payload("c", [][]float64{{1}}, []float64{1}, w, 2)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	got := agg.last(t)
	want := []any{[]any{[]any{0.5}}, []any{0.1}}
	if !reflect.DeepEqual(got["weights"], want) {
		t.Errorf("weights = %v, want %v", got["weights"], want)
	}
	if got["model_version"] != "1.0.0" {
		t.Errorf("model_version = %v", got["model_version"])
	}
	if _, ok := got["X"]; ok {
		t.Error("weights payload must not carry X")
	}
}

func TestSyncClient_Retry(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		wantErr  bool
		wantHits int32
	}{
		{"recovers after 503", []int{503}, false, 2},
		{"recovers after 429", []int{429, 500}, false, 3},
		{"gives up after retries", []int{500, 502, 503}, true, 3},
		{"client error not retried", []int{400}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := &aggregator{statuses: tt.statuses}
			srv := httptest.NewServer(agg)
			defer srv.Close()

			c := fastClient(srv.URL, WithSyncRetries(2))
			err := c.Push(context.Background(), &core.SyncPayload{ClientID: "c", X: [][]float64{{1}}, Y: []float64{1}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Push() error = %v, wantErr %v", err, tt.wantErr)
			}
			if agg.hits.Load() != tt.wantHits {
				t.Errorf("hits = %d, want %d", agg.hits.Load(), tt.wantHits)
			}
		})
	}
}

func TestSyncClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := fastClient(srv.URL, WithSyncTimeout(50*time.Millisecond), WithSyncRetries(0))
	start := time.Now()
	err := c.Push(context.Background(), &core.SyncPayload{ClientID: "c"})
	if err == nil {
		t.Fatal("Push() expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Errorf("Push() took %v, timeout not applied", time.Since(start))
	}
}

func TestSyncClient_BreakerOpens(t *testing.T) {
	agg := &aggregator{statuses: []int{503, 503, 503, 503}}
	srv := httptest.NewServer(agg)
	defer srv.Close()

	c := fastClient(srv.URL, WithSyncRetries(0), WithBreakerFailures(2))
	ctx := context.Background()
	_ = c.Push(ctx, &core.SyncPayload{ClientID: "c"})
	_ = c.Push(ctx, &core.SyncPayload{ClientID: "c"})

	err := c.Push(ctx, &core.SyncPayload{ClientID: "c"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("Push() error = %v, want open breaker", err)
	}
	if !core.IsUnavailable(err) {
		t.Errorf("open breaker error should be UNAVAILABLE: %v", err)
	}
	if agg.hits.Load() != 2 {
		t.Errorf("hits = %d, want 2 (breaker must fail fast)", agg.hits.Load())
	}
}

func TestSyncClient_Outbox(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	agg := &aggregator{statuses: []int{503, 503}}
	srv := httptest.NewServer(agg)
	defer srv.Close()

	outbox, err := NewOutbox(ctx, kv, 1)
	if err != nil {
		t.Fatalf("NewOutbox() error = %v", err)
	}
	c := fastClient(srv.URL, WithSyncRetries(0), WithOutbox(outbox))

	_ = c.Push(ctx, &core.SyncPayload{ClientID: "c", Round: 1})
	_ = c.Push(ctx, &core.SyncPayload{ClientID: "c", Round: 2})
	// 容量为 1：只保留最新的 round 2
	if outbox.Len() != 1 {
		t.Fatalf("outbox Len() = %d, want 1", outbox.Len())
	}

	restored, err := NewOutbox(ctx, kv, 1)
	if err != nil || restored.Len() != 1 {
		t.Fatalf("restored outbox Len() = %d, err = %v", restored.Len(), err)
	}

	// 聚合端恢复：先补发 round 2，再发送 round 3
	if err := c.Push(ctx, &core.SyncPayload{ClientID: "c", Round: 3}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if outbox.Len() != 0 {
		t.Errorf("outbox Len() = %d after recovery, want 0", outbox.Len())
	}
	agg.mu.Lock()
	n := len(agg.bodies)
	var flushed map[string]any
	_ = json.Unmarshal(agg.bodies[n-2], &flushed)
	agg.mu.Unlock()
	if flushed["round"] != 2.0 {
		t.Errorf("flushed round = %v, want 2", flushed["round"])
	}
	if got := agg.last(t)["round"]; got != 3.0 {
		t.Errorf("last round = %v, want 3", got)
	}
}

// rejectingAggregator 对 rejected 中的 round 返回 422，其余返回 200
type rejectingAggregator struct {
	mu       sync.Mutex
	rejected map[int]bool
	accepted []int
}

func (a *rejectingAggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var p core.SyncPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rejected[p.Round] {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	a.accepted = append(a.accepted, p.Round)
	w.WriteHeader(http.StatusOK)
}

func (a *rejectingAggregator) rounds() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int(nil), a.accepted...)
}

func TestSyncClient_RejectedPayloadDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	agg := &rejectingAggregator{rejected: map[int]bool{1: true}}
	srv := httptest.NewServer(agg)
	defer srv.Close()

	outbox, err := NewOutbox(ctx, store.NewMemoryStore(), 10)
	if err != nil {
		t.Fatalf("NewOutbox() error = %v", err)
	}
	c := fastClient(srv.URL, WithSyncRetries(0), WithBreakerFailures(2), WithOutbox(outbox))

	for round := 1; round <= 6; round++ {
		err := c.Push(ctx, &core.SyncPayload{ClientID: "c", Round: round})
		if round == 1 && !core.IsInvalidInput(err) {
			t.Errorf("round 1 error = %v, want INVALID_INPUT", err)
		}
		if round > 1 && err != nil {
			t.Errorf("round %d error = %v", round, err)
		}
		if outbox.Len() != 0 {
			t.Fatalf("round %d: outbox Len() = %d, rejected payloads must not be queued", round, outbox.Len())
		}
	}
	if got, want := agg.rounds(), []int{2, 3, 4, 5, 6}; !reflect.DeepEqual(got, want) {
		t.Errorf("accepted rounds = %v, want %v", got, want)
	}
}

func TestOutbox_DrainSkipsRejected(t *testing.T) {
	ctx := context.Background()
	agg := &rejectingAggregator{rejected: map[int]bool{1: true}}
	srv := httptest.NewServer(agg)
	defer srv.Close()

	outbox, err := NewOutbox(ctx, store.NewMemoryStore(), 10)
	if err != nil {
		t.Fatalf("NewOutbox() error = %v", err)
	}
	// 恢复出的队列头部是一个会被拒绝的载荷
	outbox.Enqueue(ctx, &core.SyncPayload{ClientID: "c", Round: 1})
	outbox.Enqueue(ctx, &core.SyncPayload{ClientID: "c", Round: 2})

	c := fastClient(srv.URL, WithSyncRetries(0), WithOutbox(outbox))
	if err := c.Push(ctx, &core.SyncPayload{ClientID: "c", Round: 3}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if outbox.Len() != 0 {
		t.Errorf("outbox Len() = %d, want 0", outbox.Len())
	}
	if got, want := agg.rounds(), []int{2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("accepted rounds = %v, want %v", got, want)
	}
}

func TestOutbox_InvalidSchema(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	_ = kv.Set(ctx, core.KeySyncOutbox, []byte(`{"version":42,"payloads":[]}`))
	o, err := NewOutbox(ctx, kv, 4)
	if !core.IsInvalidSchema(err) {
		t.Errorf("NewOutbox() error = %v, want INVALID_SCHEMA", err)
	}
	if o == nil || o.Len() != 0 {
		t.Error("invalid outbox should start empty")
	}
}

func TestNewSyncService(t *testing.T) {
	svc, err := NewSyncService(context.Background(), &SyncConfig{}, nil)
	if err != nil {
		t.Fatalf("NewSyncService() error = %v", err)
	}
	if _, ok := svc.(NopSync); !ok {
		t.Errorf("empty endpoint should give NopSync, got %T", svc)
	}

	cfg := DefaultSyncConfig()
	cfg.Endpoint = "http://aggregator.local"
	cfg.Mode = core.SyncModeWeights
	svc, err = NewSyncService(context.Background(), &cfg, store.NewMemoryStore())
	if err != nil {
		t.Fatalf("NewSyncService() error = %v", err)
	}
	c, ok := svc.(*SyncClient)
	if !ok || c.Mode != core.SyncModeWeights || c.ModelVersion == "" {
		t.Errorf("NewSyncService() = %#v", svc)
	}

	if _, err := NewSyncService(context.Background(), nil, nil); err == nil {
		t.Error("nil config expected error")
	}
}
