package interaction

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rushteam/fedrec/core"
	"github.com/rushteam/fedrec/store"
)

// faultyStore 模拟存储不可用
type faultyStore struct {
	*store.MemoryStore
	failGet    bool
	failSet    bool
	failDelete bool
}

var errDisk = errors.New("disk unavailable")

func (f *faultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if f.failGet {
		return nil, core.StoreUnavailable("faulty", errDisk)
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *faultyStore) Delete(ctx context.Context, key string) error {
	if f.failDelete {
		return core.StoreUnavailable("faulty", errDisk)
	}
	return f.MemoryStore.Delete(ctx, key)
}

func (f *faultyStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	if f.failSet {
		return core.StoreUnavailable("faulty", errDisk)
	}
	return f.MemoryStore.Set(ctx, key, value, ttl...)
}

func TestStore_RecordIdempotent(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := NewStore(kv)

	if err := s.Record(ctx, "v1", true); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	once, _ := kv.Get(ctx, core.KeyInteractions)
	onceCount := s.Count()

	if err := s.Record(ctx, "v1", true); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	twice, _ := kv.Get(ctx, core.KeyInteractions)

	if string(once) != string(twice) {
		t.Errorf("persisted state changed on repeated Record:\n once=%s\ntwice=%s", once, twice)
	}
	if s.Count() != onceCount {
		t.Errorf("Count() = %d after repeated Record, want %d", s.Count(), onceCount)
	}
	want := []core.Interaction{{VideoID: "v1", Viewed: true, Liked: true}}
	if got := s.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestStore_RecordViewedNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore(store.NewMemoryStore())

	_ = s.Record(ctx, "v1", true)
	_ = s.RecordViewed(ctx, "v1")

	it, ok := s.Get("v1")
	if !ok || !it.Liked || !it.Viewed {
		t.Errorf("Get(v1) = %+v, %v; want liked and viewed", it, ok)
	}
	if s.Count() != 1 {
		t.Errorf("Count() = %d, want 1", s.Count())
	}

	_ = s.RecordViewed(ctx, "v2")
	it, _ = s.Get("v2")
	if !it.Viewed || it.Liked {
		t.Errorf("Get(v2) = %+v, want viewed only", it)
	}
}

func TestStore_FlipAndSets(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil)

	_ = s.Record(ctx, "a", true)
	_ = s.Record(ctx, "b", true)
	_ = s.RecordViewed(ctx, "c")
	_ = s.Record(ctx, "a", false)

	if _, ok := s.Liked()["a"]; ok {
		t.Error("a should not be liked after unlike")
	}
	if got := s.LikedIDs(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("LikedIDs() = %v, want [b]", got)
	}
	if len(s.Viewed()) != 3 {
		t.Errorf("Viewed() = %v, want 3 entries", s.Viewed())
	}
	if s.Count() != 4 {
		t.Errorf("Count() = %d, want 4", s.Count())
	}

	tail := s.Tail(2)
	if len(tail) != 2 || tail[0].VideoID != "c" || tail[1].VideoID != "a" {
		t.Errorf("Tail(2) = %+v, want [c a]", tail)
	}
	if got := s.Tail(10); len(got) != 3 {
		t.Errorf("Tail(10) len = %d, want 3", len(got))
	}
}

func TestStore_LoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := NewStore(kv)
	_ = s.Record(ctx, "a", true)
	_ = s.RecordViewed(ctx, "b")

	restored := NewStore(kv)
	restored.Load(ctx)
	if !reflect.DeepEqual(restored.Snapshot(), s.Snapshot()) {
		t.Errorf("restored Snapshot() = %+v, want %+v", restored.Snapshot(), s.Snapshot())
	}
	if restored.Count() != 2 {
		t.Errorf("restored Count() = %d, want 2", restored.Count())
	}
}

func TestStore_LoadInvalidSchema(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{not json`},
		{"wrong version", `{"version":99,"count":1,"interactions":[]}`},
		{"empty id", `{"version":1,"count":1,"interactions":[{"videoId":""}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := store.NewMemoryStore()
			_ = kv.Set(ctx, core.KeyInteractions, []byte(tt.data))
			s := NewStore(kv)
			s.Load(ctx)
			if s.Len() != 0 {
				t.Errorf("Len() = %d, want 0", s.Len())
			}
			if !core.IsInvalidSchema(s.LastError()) {
				t.Errorf("LastError() = %v, want INVALID_SCHEMA", s.LastError())
			}
		})
	}
}

func TestStore_PersistenceFaultKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	kv := &faultyStore{MemoryStore: store.NewMemoryStore(), failSet: true}
	s := NewStore(kv)

	if err := s.Record(ctx, "v1", true); err != nil {
		t.Fatalf("Record() must not surface storage faults, got %v", err)
	}
	if _, ok := s.Liked()["v1"]; !ok {
		t.Error("in-memory state lost after persistence fault")
	}
	if !core.IsUnavailable(s.LastError()) {
		t.Errorf("LastError() = %v, want UNAVAILABLE", s.LastError())
	}

	kv.failSet = false
	_ = s.Record(ctx, "v2", false)
	if s.LastError() != nil {
		t.Errorf("LastError() = %v after successful save, want nil", s.LastError())
	}
}

func TestStore_LoadFault(t *testing.T) {
	kv := &faultyStore{MemoryStore: store.NewMemoryStore(), failGet: true}
	s := NewStore(kv)
	s.Load(context.Background())
	if s.Len() != 0 || s.LastError() == nil {
		t.Errorf("Load() with failing store: Len=%d LastError=%v", s.Len(), s.LastError())
	}
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := NewStore(kv)
	_ = s.Record(ctx, "a", true)

	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if s.Len() != 0 || s.Count() != 0 {
		t.Errorf("after Reset Len=%d Count=%d", s.Len(), s.Count())
	}
	if _, err := kv.Get(ctx, core.KeyInteractions); !core.IsStoreNotFound(err) {
		t.Errorf("persisted interactions remain after Reset: %v", err)
	}
}

func TestStore_EmptyID(t *testing.T) {
	s := NewStore(nil)
	if err := s.Record(context.Background(), "", true); err == nil {
		t.Error("Record(\"\") expected error")
	}
}

func TestStore_ResetDeleteFault(t *testing.T) {
	ctx := context.Background()
	kv := &faultyStore{MemoryStore: store.NewMemoryStore()}
	s := NewStore(kv)
	_ = s.Record(ctx, "a", true)
	_ = s.Record(ctx, "b", false)

	kv.failDelete = true
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v, want nil when the empty record is written", err)
	}

	// 重新加载不能恢复已清除的交互
	reloaded := NewStore(kv)
	reloaded.Load(ctx)
	if reloaded.Len() != 0 || reloaded.Count() != 0 {
		t.Errorf("reloaded Len=%d Count=%d after Reset, want 0", reloaded.Len(), reloaded.Count())
	}
	if reloaded.LastError() != nil {
		t.Errorf("reloaded LastError() = %v, want nil", reloaded.LastError())
	}

	// 删除与写入都失败时返回错误
	kv.failSet = true
	if err := s.Reset(ctx); !core.IsUnavailable(err) {
		t.Errorf("Reset() error = %v, want UNAVAILABLE", err)
	}
}
