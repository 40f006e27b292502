package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内存储，主要用于测试与 StorageDriver = "memory"。
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryEntries)}
}

// memoryStorage 以桶名索引数据；Bucket 句柄只记录名称，删除后再次 Put 会重新建桶，
// 与 fs/sqlite 后端的行为保持一致。
type memoryStorage struct {
	mu      sync.RWMutex
	order   []string
	buckets map[string]*memoryEntries
}

type memoryEntries struct {
	mu      sync.RWMutex
	keys    []Key
	entries map[Key]*Response
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	s.ensure(name)
	return &memoryBucket{storage: s, name: name}, nil
}

func (s *memoryStorage) Match(ctx context.Context, key Key) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	buckets := make([]Bucket, len(names))
	for i, name := range names {
		buckets[i] = &memoryBucket{storage: s, name: name}
	}
	return matchInOrder(ctx, buckets, key)
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) handle(name string) Bucket {
	return &memoryBucket{storage: s, name: name}
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	for i, candidate := range s.order {
		if candidate == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStorage) ensure(name string) *memoryEntries {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.buckets[name]; ok {
		return data
	}
	data := &memoryEntries{entries: make(map[Key]*Response)}
	s.buckets[name] = data
	s.order = append(s.order, name)
	return data
}

func (s *memoryStorage) lookup(name string) (*memoryEntries, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.buckets[name]
	return data, ok
}

type memoryBucket struct {
	storage *memoryStorage
	name    string
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := b.storage.lookup(b.name)
	if !ok {
		return nil, ErrNotFound
	}
	data.mu.RLock()
	defer data.mu.RUnlock()
	resp, ok := data.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if resp == nil {
		return errors.New("nil response")
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	data := b.storage.ensure(b.name)

	data.mu.Lock()
	defer data.mu.Unlock()
	if _, exists := data.entries[key]; !exists {
		data.keys = append(data.keys, key)
	}
	data.entries[key] = stored
	return nil
}

func (b *memoryBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, ok := b.storage.lookup(b.name)
	if !ok {
		return nil, nil
	}
	data.mu.RLock()
	defer data.mu.RUnlock()
	return append([]Key(nil), data.keys...), nil
}

func (b *memoryBucket) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	data, ok := b.storage.lookup(b.name)
	if !ok {
		return false, nil
	}
	data.mu.Lock()
	defer data.mu.Unlock()
	if _, ok := data.entries[key]; !ok {
		return false, nil
	}
	delete(data.entries, key)
	for i, candidate := range data.keys {
		if candidate == key {
			data.keys = append(data.keys[:i], data.keys[i+1:]...)
			break
		}
	}
	return true, nil
}
