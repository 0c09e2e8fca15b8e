package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"

	"github.com/rushteam/fedrec/core"
)

func TestRecommendClient(t *testing.T) {
	var fail atomic.Bool
	var gotTopK atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var req struct {
			UserVector []float64 `json:"user_vector"`
			TopK       int       `json:"top_k"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotTopK.Store(int64(req.TopK))
		_, _ = w.Write([]byte(`{"recommendations":[{"id":7,"url":"https://cdn/7.mp4"},{"id":"x","url":"https://cdn/x.mp4"}]}`))
	}))
	defer srv.Close()

	c := NewRecommendClient(srv.URL, WithRecommendTopK(3))
	ctx := context.Background()

	recs, err := c.Recommend(ctx, core.Vector{0.1, 0.2}, 0)
	if err != nil {
		t.Fatalf("Recommend() error = %v", err)
	}
	want := []Recommendation{{ID: "7", URL: "https://cdn/7.mp4"}, {ID: "x", URL: "https://cdn/x.mp4"}}
	if !reflect.DeepEqual(recs, want) {
		t.Errorf("Recommend() = %v, want %v", recs, want)
	}
	if gotTopK.Load() != 3 {
		t.Errorf("top_k = %d, want 3", gotTopK.Load())
	}

	fail.Store(true)
	recs, err = c.Recommend(ctx, core.Vector{0.1, 0.2}, 5)
	if !core.IsUnavailable(err) {
		t.Errorf("Recommend() error = %v, want UNAVAILABLE", err)
	}
	if !reflect.DeepEqual(recs, want) {
		t.Errorf("fallback = %v, want last successful response", recs)
	}
}

func TestNewRecommendService(t *testing.T) {
	if NewRecommendService(&SyncConfig{}) != nil {
		t.Error("empty endpoint should disable recommendations")
	}
	if NewRecommendService(&SyncConfig{Endpoint: "http://x"}) == nil {
		t.Error("expected client")
	}
}
