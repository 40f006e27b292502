package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/asmf/asmf-offline/internal/cache"
	"github.com/asmf/asmf-offline/internal/logging"
)

// Options 描述一个站点 worker 所需的全部依赖，CacheName 即当前版本的桶名。
type Options struct {
	Site        string
	CacheName   string
	Origin      *url.URL
	Precache    []string
	OfflinePage string
	SyncDelay   time.Duration

	Storage  cache.Storage
	Network  Network
	Clients  Clients
	Notifier Notifier
	Logger   *logrus.Logger
}

// EventHandler 是 worker 对宿主暴露的事件入口，每种事件一个方法。
type EventHandler interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Fetch(ctx context.Context, req *Request) (*FetchResult, error)
	Message(ctx context.Context, msg Message, port MessagePort) error
	Push(ctx context.Context, payload []byte) error
	Sync(ctx context.Context, tag string) error
	NotificationClick(ctx context.Context, click NotificationClick) error
}

var _ EventHandler = (*Worker)(nil)

// Worker 是单个版本的离线 worker。
type Worker struct {
	id         string
	opts       Options
	logger     *logrus.Logger
	seeds      []*Request
	offlineKey *cache.Key

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	installErr  error
	cleanupErr  error
}

// New 校验依赖并把种子 URL 解析为绝对请求；重复的种子视为配置错误。
func New(opts Options) (*Worker, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, errors.New("cache name is required")
	}
	if opts.Clients == nil {
		opts.Clients = NewClientRegistry()
	}
	if opts.Notifier == nil {
		opts.Notifier = NewNotificationLog(opts.Logger)
	}

	w := &Worker{
		id:     uuid.NewString(),
		opts:   opts,
		logger: opts.Logger,
		state:  StateParsed,
	}

	seen := make(map[cache.Key]struct{}, len(opts.Precache))
	for _, raw := range opts.Precache {
		req, err := w.resolve(raw)
		if err != nil {
			return nil, fmt.Errorf("precache %s: %w", raw, err)
		}
		key := req.Key()
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("duplicate precache entry: %s", raw)
		}
		seen[key] = struct{}{}
		w.seeds = append(w.seeds, req)
	}

	if strings.TrimSpace(opts.OfflinePage) != "" {
		req, err := w.resolve(opts.OfflinePage)
		if err != nil {
			return nil, fmt.Errorf("offline page %s: %w", opts.OfflinePage, err)
		}
		key := req.Key()
		w.offlineKey = &key
	}
	return w, nil
}

// ID 返回 worker 实例标识。
func (w *Worker) ID() string { return w.id }

// CacheName 返回当前版本的缓存桶名。
func (w *Worker) CacheName() string { return w.opts.CacheName }

// Site 返回 worker 所属站点名。
func (w *Worker) Site() string { return w.opts.Site }

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// InstallErr 返回最近一次安装失败的原因。
func (w *Worker) InstallErr() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.installErr
}

// CleanupErr 返回激活阶段清理旧桶时收集到的错误（不影响激活结果）。
func (w *Worker) CleanupErr() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cleanupErr
}

// SkipWaiting 标记 worker 安装完成后立即激活，而不是等待旧页面关闭。
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	w.mu.Unlock()
}

// SkipWaitingRequested 报告是否已请求跳过等待。
func (w *Worker) SkipWaitingRequested() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// Install 打开当前版本的桶并整体写入种子资源；任一资源失败则整体失败且不重试。
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	fields := w.fields("sw_install")
	fields["seeds"] = len(w.seeds)
	w.logger.WithFields(fields).Info("sw_installing")

	if err := w.precache(ctx); err != nil {
		w.mu.Lock()
		w.state = StateRedundant
		w.installErr = err
		w.mu.Unlock()
		w.logger.WithFields(fields).WithError(err).Error("sw_install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.mu.Lock()
	w.state = StateInstalled
	w.installErr = nil
	w.mu.Unlock()
	w.logger.WithFields(fields).Info("sw_install_complete")
	w.SkipWaiting()
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	bucket, err := w.opts.Storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", w.opts.CacheName, err)
	}

	responses := make([]*cache.Response, len(w.seeds))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, req := range w.seeds {
		group.Go(func() error {
			resp, err := w.opts.Network.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", req.URL, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", req.URL, resp.Status)
			}
			if resp.Type == cache.ResponseTypeOpaque || resp.Type == cache.ResponseTypeError {
				return fmt.Errorf("fetch %s: %s response cannot be cached", req.URL, resp.Type)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// 同名桶可能正被 active worker 使用，回滚只删除本次新增的条目。
	written := make([]cache.Key, 0, len(w.seeds))
	for i, req := range w.seeds {
		key := req.Key()
		_, matchErr := bucket.Match(ctx, key)
		if err := bucket.Put(ctx, key, responses[i]); err != nil {
			w.rollback(ctx, bucket, written)
			return fmt.Errorf("store %s: %w", req.URL, err)
		}
		if errors.Is(matchErr, cache.ErrNotFound) {
			written = append(written, key)
		}
	}
	return nil
}

// rollback 删除本次安装新写入的条目，保证种子集合要么完整要么不存在。
func (w *Worker) rollback(ctx context.Context, bucket cache.Bucket, keys []cache.Key) {
	cleanupCtx := context.WithoutCancel(ctx)
	for _, key := range keys {
		if _, err := bucket.Delete(cleanupCtx, key); err != nil {
			w.logger.WithFields(w.fields("sw_install_rollback")).
				WithError(err).
				WithField("key", key.String()).
				Warn("sw_rollback_failed")
		}
	}
}

// Activate 删除所有非当前版本的桶（逐个尽力而为）并接管全部页面。
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	fields := w.fields("sw_activate")
	w.logger.WithFields(fields).Info("sw_activating")

	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		w.setState(StateRedundant)
		w.logger.WithFields(fields).WithError(err).Error("sw_activate_failed")
		return fmt.Errorf("list caches: %w", err)
	}

	var (
		cleanupErrs []error
		deleted     int
	)
	for _, name := range names {
		if name == w.opts.CacheName {
			continue
		}
		if _, err := w.opts.Storage.Delete(ctx, name); err != nil {
			cleanupErrs = append(cleanupErrs, fmt.Errorf("delete cache %s: %w", name, err))
			w.logger.WithFields(fields).WithError(err).WithField("cache", name).Warn("sw_cache_delete_failed")
			continue
		}
		deleted++
		w.logger.WithFields(fields).WithField("cache", name).Info("sw_cache_deleted")
	}

	if err := w.opts.Clients.Claim(ctx, w.id); err != nil {
		cleanupErrs = append(cleanupErrs, fmt.Errorf("claim clients: %w", err))
		w.logger.WithFields(fields).WithError(err).Warn("sw_claim_failed")
	}

	w.mu.Lock()
	w.state = StateActivated
	w.cleanupErr = errors.Join(cleanupErrs...)
	w.mu.Unlock()

	fields["deleted"] = deleted
	fields["cleanup_errors"] = len(cleanupErrs)
	w.logger.WithFields(fields).Info("sw_activate_complete")
	return nil
}

func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s -> %s from %s", ErrInvalidState, from, to, w.state)
	}
	w.state = to
	return nil
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

// resolve 将站内相对路径解析到 Origin 下，绝对 URL 原样保留。
func (w *Worker) resolve(raw string) (*Request, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if !ref.IsAbs() {
		if w.opts.Origin == nil {
			return nil, errors.New("relative url requires an origin")
		}
		ref = w.opts.Origin.ResolveReference(ref)
	}
	return &Request{Method: http.MethodGet, URL: ref, Header: http.Header{}}, nil
}

func (w *Worker) fields(action string) logrus.Fields {
	return logging.WorkerFields(action, w.opts.Site, w.opts.CacheName, w.id)
}
