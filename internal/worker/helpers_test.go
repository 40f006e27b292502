package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/asmf/asmf-offline/internal/cache"
)

const testCacheName = "asmf-v3.0-2025-11-03"

var errOffline = errors.New("dial tcp: connection refused")

// fakeNetwork 按 URL 返回预置响应并统计调用次数。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]*cache.Response
	failures  map[string]error
	offline   bool
	calls     atomic.Int32
	requested []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: make(map[string]*cache.Response),
		failures:  make(map[string]error),
	}
}

func (n *fakeNetwork) serve(rawURL string, status int, body string, typ cache.ResponseType) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[rawURL] = &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Type:   typ,
		URL:    rawURL,
	}
}

func (n *fakeNetwork) fail(rawURL string, err error) {
	n.mu.Lock()
	n.failures[rawURL] = err
	n.mu.Unlock()
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	n.calls.Add(1)
	n.mu.Lock()
	defer n.mu.Unlock()
	raw := req.URL.String()
	n.requested = append(n.requested, raw)
	if n.offline {
		return nil, errOffline
	}
	if err, ok := n.failures[raw]; ok {
		return nil, err
	}
	resp, ok := n.responses[raw]
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Type: cache.ResponseTypeBasic, URL: raw}, nil
	}
	return resp.Clone(), nil
}

// flakyStorage 包装真实存储，用于注入 Keys/Delete/Put 失败。
type flakyStorage struct {
	cache.Storage
	keysErr   error
	deleteErr map[string]error
	putErr    error
	putAfter  int
	puts      atomic.Int32
}

func (s *flakyStorage) Keys(ctx context.Context) ([]string, error) {
	if s.keysErr != nil {
		return nil, s.keysErr
	}
	return s.Storage.Keys(ctx)
}

func (s *flakyStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err, ok := s.deleteErr[name]; ok {
		return false, err
	}
	return s.Storage.Delete(ctx, name)
}

func (s *flakyStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &flakyBucket{Bucket: bucket, storage: s}, nil
}

type flakyBucket struct {
	cache.Bucket
	storage *flakyStorage
}

func (b *flakyBucket) Put(ctx context.Context, key cache.Key, resp *cache.Response) error {
	n := int(b.storage.puts.Add(1))
	if b.storage.putErr != nil && n > b.storage.putAfter {
		return b.storage.putErr
	}
	return b.Bucket.Put(ctx, key, resp)
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url %s: %v", raw, err)
	}
	return u
}

func testOptions(t *testing.T, storage cache.Storage, network Network) Options {
	t.Helper()
	return Options{
		Site:        "asmf",
		CacheName:   testCacheName,
		Origin:      mustURL(t, "https://asmf.example"),
		Precache:    []string{"/", "/index.html", "/styles.css"},
		OfflinePage: "/offline.html",
		Storage:     storage,
		Network:     network,
		Logger:      newTestLogger(),
	}
}

// seededNetwork 为默认种子集合准备 200 basic 响应。
func seededNetwork() *fakeNetwork {
	network := newFakeNetwork()
	network.serve("https://asmf.example/", http.StatusOK, "home", cache.ResponseTypeBasic)
	network.serve("https://asmf.example/index.html", http.StatusOK, "index", cache.ResponseTypeBasic)
	network.serve("https://asmf.example/styles.css", http.StatusOK, "body{}", cache.ResponseTypeBasic)
	network.serve("https://asmf.example/offline.html", http.StatusOK, "offline", cache.ResponseTypeBasic)
	return network
}

func newInstalledWorker(t *testing.T, storage cache.Storage, network Network, mutate func(*Options)) *Worker {
	t.Helper()
	opts := testOptions(t, storage, network)
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	return w
}

func mustRequest(t *testing.T, method, raw string) *Request {
	t.Helper()
	req, err := NewRequest(method, raw)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func bucketKeys(t *testing.T, storage cache.Storage, name string) []cache.Key {
	t.Helper()
	bucket, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open bucket %s: %v", name, err)
	}
	keys, err := bucket.Keys(context.Background())
	if err != nil {
		t.Fatalf("bucket keys: %v", err)
	}
	return keys
}
