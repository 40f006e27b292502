package worker

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clients 抽象受控页面集合：激活时 Claim，通知点击时 OpenWindow。
type Clients interface {
	Claim(ctx context.Context, workerID string) error
	OpenWindow(ctx context.Context, url string) error
}

// ClientRegistry 是进程内的页面登记表，代理层按 X-ASMF-Client-ID 记录页面。
type ClientRegistry struct {
	mu         sync.RWMutex
	controller string
	seen       map[string]time.Time
	opened     []string
}

// NewClientRegistry 创建空的页面登记表。
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{seen: make(map[string]time.Time)}
}

// Touch 记录页面最近一次请求时间。
func (r *ClientRegistry) Touch(clientID string) {
	if clientID == "" {
		return
	}
	r.mu.Lock()
	r.seen[clientID] = time.Now().UTC()
	r.mu.Unlock()
}

// Claim 让 workerID 成为所有页面的控制者。
func (r *ClientRegistry) Claim(ctx context.Context, workerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.controller = workerID
	r.mu.Unlock()
	return nil
}

// OpenWindow 记录需要打开的页面地址。
func (r *ClientRegistry) OpenWindow(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.opened = append(r.opened, url)
	r.mu.Unlock()
	return nil
}

// Controller 返回当前控制页面的 worker ID。
func (r *ClientRegistry) Controller() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

// IDs 返回已登记的页面 ID（排序后）。
func (r *ClientRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.seen))
	for id := range r.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Opened 返回 OpenWindow 记录的地址。
func (r *ClientRegistry) Opened() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.opened...)
}
