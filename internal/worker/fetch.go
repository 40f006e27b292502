package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/asmf/asmf-offline/internal/cache"
)

// Source 标记响应来自缓存、网络还是离线兜底页。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// FetchResult 是一次拦截的结果。
type FetchResult struct {
	Response *cache.Response
	Source   Source
}

// CacheHit 报告响应是否来自缓存（含离线兜底页）。
func (r *FetchResult) CacheHit() bool {
	return r != nil && r.Source != SourceNetwork
}

// Fetch 执行拦截决策：先跨桶查缓存，未命中再回源；合格响应复制一份写入当前桶。
// 回源失败时，整页导航返回离线兜底页，其余请求返回 ErrNetwork。
func (w *Worker) Fetch(ctx context.Context, req *Request) (*FetchResult, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	key := req.Key()
	fields := w.fields("sw_fetch")
	fields["url"] = key.URL
	fields["method"] = key.Method

	cached, err := w.opts.Storage.Match(ctx, key)
	switch {
	case err == nil:
		w.logger.WithFields(fields).Debug("sw_cache_hit")
		return &FetchResult{Response: cached, Source: SourceCache}, nil
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		w.logger.WithFields(fields).WithError(err).Warn("sw_cache_match_failed")
	}

	w.logger.WithFields(fields).Debug("sw_fetch_network")
	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return w.fallback(ctx, req, err)
	}

	if isCacheable(req, resp) {
		w.store(ctx, key, resp.Clone())
	}
	return &FetchResult{Response: resp, Source: SourceNetwork}, nil
}

func (w *Worker) store(ctx context.Context, key cache.Key, resp *cache.Response) {
	fields := w.fields("sw_cache_put")
	fields["url"] = key.URL
	bucket, err := w.opts.Storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("sw_cache_open_failed")
		return
	}
	if err := bucket.Put(ctx, key, resp); err != nil {
		w.logger.WithFields(fields).WithError(err).Warn("sw_cache_put_failed")
	}
}

func (w *Worker) fallback(ctx context.Context, req *Request, cause error) (*FetchResult, error) {
	fields := w.fields("sw_fetch")
	fields["url"] = req.URL.String()
	fields["destination"] = string(req.Destination)
	w.logger.WithFields(fields).WithError(cause).Warn("sw_network_failed")

	if !req.IsNavigation() || w.offlineKey == nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, cause)
	}
	offline, err := w.opts.Storage.Match(ctx, *w.offlineKey)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithFields(fields).WithError(err).Warn("sw_offline_match_failed")
		}
		return nil, fmt.Errorf("%w: %w", ErrNetwork, cause)
	}
	return &FetchResult{Response: offline, Source: SourceOffline}, nil
}

// isCacheable 仅允许 GET 且网络响应为 200 + basic（同源、未跨域重定向）写入缓存。
func isCacheable(req *Request, resp *cache.Response) bool {
	if resp == nil {
		return false
	}
	if req.Key().Method != http.MethodGet {
		return false
	}
	return resp.Status == http.StatusOK && resp.Type == cache.ResponseTypeBasic
}
