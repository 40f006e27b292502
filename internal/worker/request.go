package worker

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/asmf/asmf-offline/internal/cache"
)

// Destination 描述请求的用途，document 代表整页导航。
type Destination string

const (
	DestinationEmpty    Destination = ""
	DestinationDocument Destination = "document"
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
	DestinationImage    Destination = "image"
	DestinationFont     Destination = "font"
)

// Request 是一次被拦截的请求，仅在单次拦截决策期间存在。
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Destination Destination
	ClientID    string
}

// NewRequest 构造 GET 以外也可用的请求，raw 必须是绝对 URL。
func NewRequest(method, raw string) (*Request, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: http.Header{},
	}, nil
}

// Key 返回请求在缓存桶中的身份。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

// IsNavigation 判断请求是否为整页导航。
func (r *Request) IsNavigation() bool {
	return r.Destination == DestinationDocument
}

// Network 负责真正的回源请求；返回的 Response.Type 由实现根据最终 URL 是否同源判定。
type Network interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// NetworkFunc adapts a function to the Network interface.
type NetworkFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes NetworkFunc satisfy Network.
func (f NetworkFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}
