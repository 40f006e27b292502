package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Storage 是全部缓存桶的命名空间，对应 worker 视角下的 caches 全局对象。
//
//	Open   打开（必要时创建）指定名称的桶
//	Match  按桶创建顺序跨桶查找请求
//	Keys   列出现存桶名（创建顺序）
//	Delete 删除整个桶，返回桶是否存在
type Storage interface {
	Open(ctx context.Context, name string) (Bucket, error)
	Match(ctx context.Context, key Key) (*Response, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

// Bucket 是单个版本化缓存桶。Match 返回的 Response 均为副本，调用方可随意修改。
type Bucket interface {
	Name() string

	// Match 查找条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 写入条目，同 key 覆盖（last-writer-wins）。
	Put(ctx context.Context, key Key, resp *Response) error

	// Keys 按写入顺序列出条目。
	Keys(ctx context.Context) ([]Key, error)

	// Delete 删除单个条目，返回条目是否存在。
	Delete(ctx context.Context, key Key) (bool, error)
}

// ResponseType 对应响应的可见性分类，只有 basic 响应会在回源时写入缓存。
type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"
	ResponseTypeCORS   ResponseType = "cors"
	ResponseTypeOpaque ResponseType = "opaque"
	ResponseTypeError  ResponseType = "error"
)

// Key 唯一定位桶内条目（Method + 规范化后的绝对 URL）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化 method 与 URL：method 大写（默认 GET），去掉 fragment，scheme/host 小写。
func NewKey(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if u == nil {
		return Key{Method: method}
	}
	normalized := *u
	normalized.Fragment = ""
	normalized.RawFragment = ""
	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = strings.ToLower(normalized.Host)
	if normalized.Host != "" && normalized.Path == "" && normalized.Opaque == "" {
		normalized.Path = "/"
	}
	return Key{Method: method, URL: normalized.String()}
}

// ParseKey 解析原始 URL 后构造 Key，仅接受带 scheme/host 的绝对地址。
func ParseKey(method, raw string) (Key, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Key{}, fmt.Errorf("parse cache key url: %w", err)
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return Key{}, fmt.Errorf("cache key url must be absolute: %s", raw)
	}
	return NewKey(method, parsed), nil
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Response 是缓存中保存的响应快照。
type Response struct {
	Status     int          `json:"status"`
	StatusText string       `json:"status_text,omitempty"`
	Header     http.Header  `json:"header,omitempty"`
	Body       []byte       `json:"-"`
	Type       ResponseType `json:"type"`
	URL        string       `json:"url,omitempty"`
	Redirected bool         `json:"redirected,omitempty"`
	StoredAt   time.Time    `json:"stored_at,omitempty"`
}

// OK 与 fetch 语义一致：2xx 即视为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 复制响应（含 header 与 body），一份返回给调用方、一份写入缓存。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucketName 表示桶名为空或包含路径分隔符。
	ErrInvalidBucketName = errors.New("invalid cache bucket name")
)

func validateBucketName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return ErrInvalidBucketName
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return ErrInvalidBucketName
	}
	return nil
}

// matchInOrder 依次在 buckets 中查找，首个命中即返回。
func matchInOrder(ctx context.Context, buckets []Bucket, key Key) (*Response, error) {
	for _, bucket := range buckets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resp, err := bucket.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("match %s in %s: %w", key, bucket.Name(), err)
		}
	}
	return nil, ErrNotFound
}

// New 根据 driver 构建存储后端：fs（默认）、sqlite、memory。
func New(driver, path string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "fs":
		return NewStore(path)
	case "sqlite":
		store, err := OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
