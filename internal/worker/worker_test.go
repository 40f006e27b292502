package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/asmf/asmf-offline/internal/cache"
)

func TestNewRequiresDependencies(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := newFakeNetwork()

	cases := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "logger", mutate: func(o *Options) { o.Logger = nil }},
		{name: "storage", mutate: func(o *Options) { o.Storage = nil }},
		{name: "network", mutate: func(o *Options) { o.Network = nil }},
		{name: "cache name", mutate: func(o *Options) { o.CacheName = "  " }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions(t, storage, network)
			tc.mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Fatalf("expected error when %s missing", tc.name)
			}
		})
	}
}

func TestNewRejectsDuplicateSeeds(t *testing.T) {
	opts := testOptions(t, cache.NewMemoryStorage(), newFakeNetwork())
	opts.Precache = []string{"/index.html", "https://ASMF.example/index.html#top"}
	if _, err := New(opts); err == nil {
		t.Fatalf("expected duplicate seed error")
	}
}

func TestNewRejectsRelativeSeedWithoutOrigin(t *testing.T) {
	opts := testOptions(t, cache.NewMemoryStorage(), newFakeNetwork())
	opts.Origin = nil
	if _, err := New(opts); err == nil {
		t.Fatalf("expected error for relative seed without origin")
	}
}

func TestInstallPopulatesSeedBucket(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := seededNetwork()
	w := newInstalledWorker(t, storage, network, nil)

	if w.State() != StateInstalled {
		t.Fatalf("expected installed, got %s", w.State())
	}
	if !w.SkipWaitingRequested() {
		t.Fatalf("install should request skip waiting")
	}
	keys := bucketKeys(t, storage, testCacheName)
	if len(keys) != 3 {
		t.Fatalf("expected 3 seeded entries, got %d", len(keys))
	}
	if got := network.calls.Load(); got != 3 {
		t.Fatalf("expected 3 network fetches, got %d", got)
	}

	before := network.calls.Load()
	result, err := w.Fetch(context.Background(), mustRequest(t, http.MethodGet, "https://asmf.example/index.html"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if !result.CacheHit() || string(result.Response.Body) != "index" {
		t.Fatalf("expected cached index, got %+v", result)
	}
	if network.calls.Load() != before {
		t.Fatalf("cached fetch must not touch the network")
	}
}

func TestInstallFailsWhenAnySeedFails(t *testing.T) {
	storage := cache.NewMemoryStorage()
	network := seededNetwork()
	network.serve("https://asmf.example/styles.css", http.StatusInternalServerError, "boom", cache.ResponseTypeBasic)

	w, err := New(testOptions(t, storage, network))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	err = w.Install(context.Background())
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if w.State() != StateRedundant {
		t.Fatalf("expected redundant, got %s", w.State())
	}
	if w.InstallErr() == nil {
		t.Fatalf("install error should be recorded")
	}
	if keys := bucketKeys(t, storage, testCacheName); len(keys) != 0 {
		t.Fatalf("failed install must not leave entries, got %d", len(keys))
	}
}

func TestInstallRejectsOpaqueSeed(t *testing.T) {
	network := seededNetwork()
	network.serve("https://asmf.example/", http.StatusOK, "", cache.ResponseTypeOpaque)
	w, err := New(testOptions(t, cache.NewMemoryStorage(), network))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Install(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected opaque seed to fail install, got %v", err)
	}
}

func TestInstallRollsBackPartialWrites(t *testing.T) {
	base := cache.NewMemoryStorage()
	storage := &flakyStorage{Storage: base, putErr: errors.New("disk full"), putAfter: 2}
	w, err := New(testOptions(t, storage, seededNetwork()))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Install(context.Background()); !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected install failure, got %v", err)
	}
	if keys := bucketKeys(t, base, testCacheName); len(keys) != 0 {
		t.Fatalf("partial writes should be rolled back, got %d entries", len(keys))
	}
}

func TestInstallOnlyOnce(t *testing.T) {
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), nil)
	if err := w.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second install, got %v", err)
	}
}

func TestActivateDeletesOtherBuckets(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemoryStorage()
	for _, name := range []string{"app-v1", "app-v2"} {
		if _, err := storage.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	clients := NewClientRegistry()
	w := newInstalledWorker(t, storage, seededNetwork(), func(o *Options) {
		o.CacheName = "app-v2"
		o.Clients = clients
	})

	if err := w.Activate(ctx); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	names, err := storage.Keys(ctx)
	if err != nil {
		t.Fatalf("keys error: %v", err)
	}
	if len(names) != 1 || names[0] != "app-v2" {
		t.Fatalf("expected only app-v2, got %v", names)
	}
	if w.State() != StateActivated {
		t.Fatalf("expected activated, got %s", w.State())
	}
	if clients.Controller() != w.ID() {
		t.Fatalf("activation should claim clients")
	}

	if err := storageActivateAgain(ctx, storage, w); err != nil {
		t.Fatalf("second activation: %v", err)
	}
}

// storageActivateAgain 用同名新 worker 再激活一次，验证清理幂等。
func storageActivateAgain(ctx context.Context, storage cache.Storage, prev *Worker) error {
	opts := prev.opts
	opts.Precache = nil
	w, err := New(opts)
	if err != nil {
		return err
	}
	if err := w.Install(ctx); err != nil {
		return err
	}
	if err := w.Activate(ctx); err != nil {
		return err
	}
	names, err := storage.Keys(ctx)
	if err != nil {
		return err
	}
	if len(names) != 1 || names[0] != prev.CacheName() {
		return errors.New("unexpected buckets after second activation")
	}
	return nil
}

func TestActivateToleratesDeleteFailures(t *testing.T) {
	ctx := context.Background()
	base := cache.NewMemoryStorage()
	for _, name := range []string{"asmf-v1", "asmf-v2"} {
		if _, err := base.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	storage := &flakyStorage{
		Storage:   base,
		deleteErr: map[string]error{"asmf-v1": errors.New("permission denied")},
	}
	w := newInstalledWorker(t, storage, seededNetwork(), nil)

	if err := w.Activate(ctx); err != nil {
		t.Fatalf("delete failures must not fail activation: %v", err)
	}
	if w.State() != StateActivated {
		t.Fatalf("expected activated, got %s", w.State())
	}
	if w.CleanupErr() == nil {
		t.Fatalf("cleanup error should be recorded")
	}
	names, _ := base.Keys(ctx)
	if len(names) != 2 {
		t.Fatalf("expected asmf-v1 and current bucket left, got %v", names)
	}
}

func TestActivateFailsWhenListingFails(t *testing.T) {
	storage := &flakyStorage{Storage: cache.NewMemoryStorage(), keysErr: errors.New("io error")}
	w := newInstalledWorker(t, storage, seededNetwork(), nil)
	if err := w.Activate(context.Background()); err == nil {
		t.Fatalf("expected activation failure")
	}
	if w.State() != StateRedundant {
		t.Fatalf("expected redundant, got %s", w.State())
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	w, err := New(testOptions(t, cache.NewMemoryStorage(), seededNetwork()))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	if err := w.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateActivated.String() != "activated" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
