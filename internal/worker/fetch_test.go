package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/asmf/asmf-offline/internal/cache"
)

func TestFetchCachesBasicOK(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	network := seededNetwork()
	network.serve("https://asmf.example/script.js", http.StatusOK, "console.log(1)", cache.ResponseTypeBasic)
	w := newInstalledWorker(t, storage, network, nil)

	req := mustRequest(t, http.MethodGet, "https://asmf.example/script.js")
	first, err := w.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if first.CacheHit() {
		t.Fatalf("first fetch should come from network")
	}

	network.setOffline(true)
	calls := network.calls.Load()
	second, err := w.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("second fetch error: %v", err)
	}
	if second.Source != SourceCache || string(second.Response.Body) != "console.log(1)" {
		t.Fatalf("expected cached script, got %+v", second)
	}
	if network.calls.Load() != calls {
		t.Fatalf("cache hit must not call the network")
	}
}

func TestFetchNeverCachesInvalidResponses(t *testing.T) {
	cases := []struct {
		name   string
		method string
		status int
		typ    cache.ResponseType
	}{
		{name: "not found", method: http.MethodGet, status: http.StatusNotFound, typ: cache.ResponseTypeBasic},
		{name: "partial", method: http.MethodGet, status: http.StatusPartialContent, typ: cache.ResponseTypeBasic},
		{name: "cors", method: http.MethodGet, status: http.StatusOK, typ: cache.ResponseTypeCORS},
		{name: "opaque", method: http.MethodGet, status: http.StatusOK, typ: cache.ResponseTypeOpaque},
		{name: "post", method: http.MethodPost, status: http.StatusOK, typ: cache.ResponseTypeBasic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			storage := cache.NewMemoryStorage()
			network := seededNetwork()
			network.serve("https://asmf.example/api/data", tc.status, "payload", tc.typ)
			w := newInstalledWorker(t, storage, network, nil)

			req := mustRequest(t, tc.method, "https://asmf.example/api/data")
			result, err := w.Fetch(ctx, req)
			if err != nil {
				t.Fatalf("fetch error: %v", err)
			}
			if result.Response.Status != tc.status {
				t.Fatalf("response should pass through unchanged, got %d", result.Response.Status)
			}
			if _, err := storage.Match(ctx, req.Key()); !errors.Is(err, cache.ErrNotFound) {
				t.Fatalf("response must not be cached, match err=%v", err)
			}
		})
	}
}

func TestFetchMatchesAcrossBuckets(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	old, err := storage.Open(ctx, "asmf-v2.0-2025-01-01")
	if err != nil {
		t.Fatalf("open old bucket: %v", err)
	}
	key, _ := cache.ParseKey(http.MethodGet, "https://asmf.example/legacy.png")
	if err := old.Put(ctx, key, &cache.Response{Status: http.StatusOK, Body: []byte("png"), Type: cache.ResponseTypeBasic}); err != nil {
		t.Fatalf("put: %v", err)
	}
	network := seededNetwork()
	w := newInstalledWorker(t, storage, network, nil)

	calls := network.calls.Load()
	result, err := w.Fetch(ctx, mustRequest(t, http.MethodGet, "https://asmf.example/legacy.png"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if !result.CacheHit() || network.calls.Load() != calls {
		t.Fatalf("entry in an older bucket should still be served from cache")
	}
}

func TestFetchOfflineDocumentFallback(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	network := seededNetwork()
	w := newInstalledWorker(t, storage, network, func(o *Options) {
		o.Precache = append(o.Precache, "/offline.html")
	})
	network.setOffline(true)

	nav := mustRequest(t, http.MethodGet, "https://asmf.example/about")
	nav.Destination = DestinationDocument
	result, err := w.Fetch(ctx, nav)
	if err != nil {
		t.Fatalf("navigation should fall back to offline page: %v", err)
	}
	if result.Source != SourceOffline || string(result.Response.Body) != "offline" {
		t.Fatalf("expected offline page, got %+v", result)
	}

	img := mustRequest(t, http.MethodGet, "https://asmf.example/logo.png")
	img.Destination = DestinationImage
	if _, err := w.Fetch(ctx, img); !errors.Is(err, ErrNetwork) {
		t.Fatalf("non-document request should fail with ErrNetwork, got %v", err)
	}
}

func TestFetchNavigationWithoutOfflinePage(t *testing.T) {
	network := seededNetwork()
	w := newInstalledWorker(t, cache.NewMemoryStorage(), network, nil)
	network.setOffline(true)

	nav := mustRequest(t, http.MethodGet, "https://asmf.example/about")
	nav.Destination = DestinationDocument
	_, err := w.Fetch(context.Background(), nav)
	if !errors.Is(err, ErrNetwork) || !errors.Is(err, errOffline) {
		t.Fatalf("expected ErrNetwork wrapping cause, got %v", err)
	}
}

func TestFetchPutFailureStillReturnsResponse(t *testing.T) {
	base := cache.NewMemoryStorage()
	storage := &flakyStorage{Storage: base}
	network := seededNetwork()
	network.serve("https://asmf.example/script.js", http.StatusOK, "js", cache.ResponseTypeBasic)
	w := newInstalledWorker(t, storage, network, nil)
	storage.putErr = errors.New("disk full")

	result, err := w.Fetch(context.Background(), mustRequest(t, http.MethodGet, "https://asmf.example/script.js"))
	if err != nil {
		t.Fatalf("put failure must not affect response: %v", err)
	}
	if string(result.Response.Body) != "js" {
		t.Fatalf("unexpected body %q", result.Response.Body)
	}
}

func TestFetchReturnsOriginalWhenCacheCopyChanges(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	network := seededNetwork()
	network.serve("https://asmf.example/data.json", http.StatusOK, "{}", cache.ResponseTypeBasic)
	w := newInstalledWorker(t, storage, network, nil)

	req := mustRequest(t, http.MethodGet, "https://asmf.example/data.json")
	result, err := w.Fetch(ctx, req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	result.Response.Body[0] = 'X'
	stored, err := storage.Match(ctx, req.Key())
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if string(stored.Body) != "{}" {
		t.Fatalf("cached copy should be independent, got %q", stored.Body)
	}
}
