package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 磁盘布局：
//
//	<StoragePath>/<bucket>/.bucket         # 创建时间（UnixNano），决定跨桶查找顺序
//	<StoragePath>/<bucket>/<sha1>.meta     # 条目元数据（key/status/header/type）
//	<StoragePath>/<bucket>/<sha1>.body     # 响应正文
//
// meta 文件最后落盘，作为条目写入完成的标记。
const (
	bucketMarker = ".bucket"
	metaSuffix   = ".meta"
	bodySuffix   = ".body"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type entryMeta struct {
	Key      Key      `json:"key"`
	Response Response `json:"response"`
}

type bucketInfo struct {
	name    string
	created int64
}

func (s *fileStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(name); err != nil {
		return nil, err
	}
	return &fileBucket{store: s, name: name}, nil
}

func (s *fileStore) Match(ctx context.Context, key Key) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	buckets := make([]Bucket, len(names))
	for i, name := range names {
		buckets[i] = &fileBucket{store: s, name: name}
	}
	return matchInOrder(ctx, buckets, key)
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	infos := make([]bucketInfo, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.basePath, entry.Name(), bucketMarker))
		if err != nil {
			// 没有 marker 的目录不是缓存桶。
			continue
		}
		created, _ := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		infos = append(infos, bucketInfo{name: entry.Name(), created: created})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].created != infos[j].created {
			return infos[i].created < infos[j].created
		}
		return infos[i].name < infos[j].name
	})
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.name
	}
	return names, nil
}

func (s *fileStore) handle(name string) Bucket {
	return &fileBucket{store: s, name: name}
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	unlock := s.lockEntry(name, "")
	defer unlock()

	dir := filepath.Join(s.basePath, name)
	if _, err := os.Stat(filepath.Join(dir, bucketMarker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, err
	}
	return true, nil
}

func (s *fileStore) ensureBucket(name string) error {
	unlock := s.lockEntry(name, "")
	defer unlock()

	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	marker := filepath.Join(dir, bucketMarker)
	f, err := os.OpenFile(marker, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return err
	}
	_, err = f.WriteString(strconv.FormatInt(time.Now().UnixNano(), 10))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	return err
}

func (s *fileStore) lockEntry(bucket, name string) func() {
	key := bucket + "::" + name
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// entryPath 返回条目的 meta/body 路径，文件名为 key 的 sha1。
func (s *fileStore) entryPath(bucket string, key Key) (string, string, error) {
	if err := validateBucketName(bucket); err != nil {
		return "", "", err
	}
	sum := sha1.Sum([]byte(key.String()))
	base := filepath.Join(s.basePath, bucket, hex.EncodeToString(sum[:]))
	if !strings.HasPrefix(base, filepath.Join(s.basePath, bucket)) {
		return "", "", errors.New("invalid cache path")
	}
	return base + metaSuffix, base + bodySuffix, nil
}

type fileBucket struct {
	store *fileStore
	name  string
}

func (b *fileBucket) Name() string { return b.name }

func (b *fileBucket) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metaPath, bodyPath, err := b.store.entryPath(b.name, key)
	if err != nil {
		return nil, err
	}
	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp := meta.Response
	resp.Body = body
	return &resp, nil
}

func (b *fileBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if resp == nil {
		return errors.New("nil response")
	}
	unlock := b.store.lockEntry(b.name, key.String())
	defer unlock()

	if err := b.store.ensureBucket(b.name); err != nil {
		return err
	}
	metaPath, bodyPath, err := b.store.entryPath(b.name, key)
	if err != nil {
		return err
	}

	if err := writeAtomic(ctx, bodyPath, bytes.NewReader(resp.Body)); err != nil {
		return err
	}

	meta := entryMeta{Key: key, Response: *resp}
	meta.Response.Body = nil
	if meta.Response.StoredAt.IsZero() {
		meta.Response.StoredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeAtomic(ctx, metaPath, bytes.NewReader(payload))
}

func (b *fileBucket) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(b.store.basePath, b.name)
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	metas := make([]entryMeta, 0, len(dirEntries))
	for _, entry := range dirEntries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(dir, entry.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		metas = append(metas, *meta)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		ti, tj := metas[i].Response.StoredAt, metas[j].Response.StoredAt
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return metas[i].Key.String() < metas[j].Key.String()
	})
	keys := make([]Key, len(metas))
	for i, meta := range metas {
		keys[i] = meta.Key
	}
	return keys, nil
}

func (b *fileBucket) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := b.store.lockEntry(b.name, key.String())
	defer unlock()

	metaPath, bodyPath, err := b.store.entryPath(b.name, key)
	if err != nil {
		return false, err
	}
	existed := true
	if err := os.Remove(metaPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		existed = false
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func readMeta(path string) (*entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode cache meta %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

// writeAtomic 先写临时文件再 rename，失败时清理临时文件。
func writeAtomic(ctx context.Context, filePath string, body io.Reader) error {
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
