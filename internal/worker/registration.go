package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/asmf/asmf-offline/internal/cache"
)

// Registration 是单个站点的 worker 宿主：负责注册新版本、派发事件并等待其完成。
type Registration struct {
	opts   Options
	logger *logrus.Logger

	lifecycle sync.Mutex

	mu      sync.RWMutex
	active  *Worker
	waiting *Worker
	last    *Worker
}

// Status 是注册表的诊断快照。
type Status struct {
	Site          string `json:"site"`
	CacheName     string `json:"cache_name"`
	ActiveWorker  string `json:"active_worker,omitempty"`
	ActiveCache   string `json:"active_cache,omitempty"`
	WaitingWorker string `json:"waiting_worker,omitempty"`
	LastState     string `json:"last_state,omitempty"`
	InstallError  string `json:"install_error,omitempty"`
	CleanupError  string `json:"cleanup_error,omitempty"`
}

// NewRegistration 创建注册表；Clients 与 Notifier 在同一站点的各版本 worker 间共享。
func NewRegistration(opts Options) (*Registration, error) {
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
	return &Registration{opts: opts, logger: opts.Logger}, nil
}

// Register 创建并安装一个新 worker；安装失败时保留原有 active worker。
// 生命周期事件在后台完整执行并完成晋升，ctx 结束只会让调用方提前返回 ErrAborted。
func (r *Registration) Register(ctx context.Context) (*Worker, error) {
	w, err := New(r.opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.last = w
	r.mu.Unlock()

	_, err = waitUntil(context.WithoutCancel(ctx), func(ctx context.Context) (struct{}, error) {
		r.lifecycle.Lock()
		defer r.lifecycle.Unlock()
		return struct{}{}, r.install(ctx, w)
	}).Wait(ctx)
	return w, err
}

// install 调用方需持有 lifecycle 锁。
func (r *Registration) install(ctx context.Context, w *Worker) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.waiting = w
	r.mu.Unlock()

	if w.SkipWaitingRequested() {
		return r.activate(ctx, w)
	}
	return nil
}

// activate 调用方需持有 lifecycle 锁。
func (r *Registration) activate(ctx context.Context, w *Worker) error {
	if err := w.Activate(ctx); err != nil {
		r.mu.Lock()
		if r.waiting == w {
			r.waiting = nil
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	previous := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	r.mu.Unlock()

	if previous != nil && previous != w {
		previous.setState(StateRedundant)
	}
	return nil
}

// Active 返回当前控制页面的 worker，可能为 nil。
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Waiting 返回已安装但尚未激活的 worker，可能为 nil。
func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

// Clients 返回站点共享的页面集合。
func (r *Registration) Clients() Clients { return r.opts.Clients }

// Notifier 返回站点共享的通知器。
func (r *Registration) Notifier() Notifier { return r.opts.Notifier }

// Storage 返回缓存存储。
func (r *Registration) Storage() cache.Storage { return r.opts.Storage }

// CacheName 返回配置的当前版本桶名。
func (r *Registration) CacheName() string { return r.opts.CacheName }

// Status 汇总当前 active/waiting/最近一次注册的 worker 状态。
func (r *Registration) Status() Status {
	r.mu.RLock()
	active, waiting, last := r.active, r.waiting, r.last
	r.mu.RUnlock()

	status := Status{Site: r.opts.Site, CacheName: r.opts.CacheName}
	if active != nil {
		status.ActiveWorker = active.ID()
		status.ActiveCache = active.CacheName()
		if err := active.CleanupErr(); err != nil {
			status.CleanupError = err.Error()
		}
	}
	if waiting != nil {
		status.WaitingWorker = waiting.ID()
	}
	if last != nil {
		status.LastState = last.State().String()
		if err := last.InstallErr(); err != nil {
			status.InstallError = err.Error()
		}
	}
	return status
}

// Fetch 派发拦截事件；没有 active worker 时直接回源且不写缓存。
func (r *Registration) Fetch(ctx context.Context, req *Request) (*FetchResult, error) {
	if registry, ok := r.opts.Clients.(*ClientRegistry); ok {
		registry.Touch(req.ClientID)
	}
	w := r.Active()
	if w == nil {
		resp, err := r.opts.Network.Fetch(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return &FetchResult{Response: resp, Source: SourceNetwork}, nil
	}
	return waitUntil(ctx, func(ctx context.Context) (*FetchResult, error) {
		return w.Fetch(ctx, req)
	}).Wait(ctx)
}

// Message 派发消息：SKIP_WAITING 优先发给 waiting worker 并立即激活它，其余发给 active worker。
func (r *Registration) Message(ctx context.Context, msg Message, port MessagePort) error {
	r.mu.RLock()
	active, waiting := r.active, r.waiting
	r.mu.RUnlock()

	target := active
	if target == nil || (msg.Type == MessageSkipWaiting && waiting != nil) {
		target = waiting
	}
	if target == nil {
		return ErrNoActiveWorker
	}

	_, err := waitUntil(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, target.Message(ctx, msg, port)
	}).Wait(ctx)
	if err != nil {
		return err
	}

	if target == waiting && target.SkipWaitingRequested() {
		_, err = waitUntil(context.WithoutCancel(ctx), func(ctx context.Context) (struct{}, error) {
			r.lifecycle.Lock()
			defer r.lifecycle.Unlock()
			if r.Waiting() != target {
				return struct{}{}, nil
			}
			return struct{}{}, r.activate(ctx, target)
		}).Wait(ctx)
		return err
	}
	return nil
}

// Push 把推送负载交给 active worker。
func (r *Registration) Push(ctx context.Context, payload []byte) error {
	w := r.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	_, err := waitUntil(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.Push(ctx, payload)
	}).Wait(ctx)
	return err
}

// Sync 派发后台同步事件。
func (r *Registration) Sync(ctx context.Context, tag string) error {
	w := r.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	_, err := waitUntil(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.Sync(ctx, tag)
	}).Wait(ctx)
	return err
}

// NotificationClick 派发通知点击事件。
func (r *Registration) NotificationClick(ctx context.Context, click NotificationClick) error {
	w := r.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	_, err := waitUntil(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.NotificationClick(ctx, click)
	}).Wait(ctx)
	return err
}
