package store

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rushteam/fedrec/core"
)

// BadgerStore 是基于 Badger 的端上持久化 Store（默认后端）。
// 进程重启后数据保留，对应端上 AsyncStorage 的角色。
type BadgerStore struct {
	db *badger.DB
}

// BadgerConfig BadgerStore 配置
type BadgerConfig struct {
	// Path 数据目录；InMemory 为 true 时忽略
	Path string

	// InMemory 纯内存模式（测试使用）
	InMemory bool

	// SyncWrites 每次写入是否 fsync
	SyncWrites bool
}

// NewBadgerStore 打开（或创建）Badger 数据库
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(nil).
		WithSyncWrites(cfg.SyncWrites)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, core.StoreUnavailable("badger", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Name() string { return "badger" }

func (b *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, core.ErrStoreNotFound
	}
	if err != nil {
		return nil, core.StoreUnavailable("badger", err)
	}
	return val, nil
}

func (b *BadgerStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(newBadgerEntry(key, value, ttl...))
	})
	return core.StoreUnavailable("badger", err)
}

func (b *BadgerStore) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	return core.StoreUnavailable("badger", err)
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func newBadgerEntry(key string, value []byte, ttl ...int) *badger.Entry {
	e := badger.NewEntry([]byte(key), value)
	if len(ttl) > 0 && ttl[0] > 0 {
		e = e.WithTTL(time.Duration(ttl[0]) * time.Second)
	}
	return e
}

var _ core.Store = (*BadgerStore)(nil)
