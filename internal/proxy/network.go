package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/asmf/asmf-offline/internal/cache"
	"github.com/asmf/asmf-offline/internal/server"
	"github.com/asmf/asmf-offline/internal/worker"
)

// maxResponseBody 限制单个回源响应读入内存的大小。
const maxResponseBody = 64 << 20

// ErrResponseTooLarge 表示回源响应超过 maxResponseBody。
var ErrResponseTooLarge = errors.New("upstream response too large")

// Network 通过共享 http.Client 回源，并按最终 URL 是否与站点同源判定响应类型。
type Network struct {
	client *http.Client
	origin *url.URL
}

var _ worker.Network = (*Network)(nil)

// NewNetwork 为站点创建回源实现，配置了 Proxy 的站点走独立 transport。
func NewNetwork(client *http.Client, route *server.SiteRoute) *Network {
	n := &Network{client: client}
	if route != nil {
		n.client = server.ClientForProxy(client, route.ProxyURL)
		n.origin = route.OriginURL
	}
	return n
}

// Fetch 执行一次回源并读取完整响应体。
func (n *Network) Fetch(ctx context.Context, req *worker.Request) (*cache.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	upstream, err := n.buildUpstreamRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := n.client.Do(upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if len(body) > maxResponseBody {
		return nil, ErrResponseTooLarge
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}
	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")

	return &cache.Response{
		Status:     resp.StatusCode,
		StatusText: strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprintf("%d", resp.StatusCode))),
		Header:     header,
		Body:       body,
		Type:       n.responseType(finalURL, resp.Header),
		URL:        finalURL.String(),
		Redirected: finalURL.String() != req.URL.String(),
		StoredAt:   time.Now().UTC(),
	}, nil
}

func (n *Network) buildUpstreamRequest(ctx context.Context, req *worker.Request) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	upstream, err := http.NewRequestWithContext(ctx, method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyHeaders(upstream.Header, req.Header)
	}
	upstream.Header.Del("Accept-Encoding")
	upstream.Header.Del("Host")
	upstream.Host = req.URL.Host
	return upstream, nil
}

// responseType 同源为 basic；跨源且带 CORS 授权为 cors；否则 opaque。
func (n *Network) responseType(final *url.URL, header http.Header) cache.ResponseType {
	if n.origin != nil && sameOrigin(final, n.origin) {
		return cache.ResponseTypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return cache.ResponseTypeCORS
	}
	return cache.ResponseTypeOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(hostWithPort(a), hostWithPort(b))
}

func hostWithPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return strings.ToLower(u.Hostname()) + ":" + port
}
