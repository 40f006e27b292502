package cache

import (
	"context"
	"net/url"
	"strings"
)

// Scoped 返回按 scope 隔离的存储视图：桶名在底层存储中带 scope 前缀，
// Keys/Match/Delete 只看得到本 scope 的桶。多个站点共享一个存储时，
// 各站点激活时的旧桶清理互不影响。scope 为空时直接返回 parent。
func Scoped(parent Storage, scope string) Storage {
	if scope == "" {
		return parent
	}
	escaped := strings.ReplaceAll(url.PathEscape(scope), "~", "%7E")
	return &scopedStorage{parent: parent, prefix: escaped + "~"}
}

type scopedStorage struct {
	parent Storage
	prefix string
}

// bucketHandler 由内置后端实现，返回不会隐式建桶的句柄。
type bucketHandler interface {
	handle(name string) Bucket
}

func (s *scopedStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	bucket, err := s.parent.Open(ctx, s.prefix+name)
	if err != nil {
		return nil, err
	}
	return &scopedBucket{Bucket: bucket, name: name}, nil
}

func (s *scopedStorage) Match(ctx context.Context, key Key) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	buckets := make([]Bucket, 0, len(names))
	for _, name := range names {
		bucket, err := s.lookup(ctx, name)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}
	return matchInOrder(ctx, buckets, key)
}

func (s *scopedStorage) Keys(ctx context.Context) ([]string, error) {
	all, err := s.parent.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range all {
		if trimmed, ok := strings.CutPrefix(name, s.prefix); ok {
			names = append(names, trimmed)
		}
	}
	return names, nil
}

func (s *scopedStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	return s.parent.Delete(ctx, s.prefix+name)
}

func (s *scopedStorage) lookup(ctx context.Context, name string) (Bucket, error) {
	if handler, ok := s.parent.(bucketHandler); ok {
		return &scopedBucket{Bucket: handler.handle(s.prefix + name), name: name}, nil
	}
	return s.Open(ctx, name)
}

// scopedBucket 对外暴露不带前缀的桶名。
type scopedBucket struct {
	Bucket
	name string
}

func (b *scopedBucket) Name() string { return b.name }
