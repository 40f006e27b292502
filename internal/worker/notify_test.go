package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/asmf/asmf-offline/internal/cache"
)

func TestPushShowsNotification(t *testing.T) {
	notifier := NewNotificationLog(newTestLogger())
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), func(o *Options) {
		o.Notifier = notifier
	})

	payload := []byte(`{"title":"New article","body":"Read it now","data":{"id":7}}`)
	if err := w.Push(context.Background(), payload); err != nil {
		t.Fatalf("push error: %v", err)
	}
	items := notifier.List()
	if len(items) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(items))
	}
	n := items[0]
	if n.Title != "New article" || n.Body != "Read it now" {
		t.Fatalf("unexpected notification %+v", n)
	}
	if n.Icon != "/icon-192x192.png" || n.Badge != "/badge-72x72.png" {
		t.Fatalf("unexpected icon/badge %s %s", n.Icon, n.Badge)
	}
	if len(n.Vibrate) != 3 || n.Vibrate[0] != 100 || n.Vibrate[1] != 50 {
		t.Fatalf("unexpected vibrate pattern %v", n.Vibrate)
	}
	if len(n.Actions) != 2 || n.Actions[0].Action != ActionExplore || n.Actions[1].Action != ActionClose {
		t.Fatalf("unexpected actions %+v", n.Actions)
	}
	if string(n.Data) != `{"id":7}` {
		t.Fatalf("unexpected data %s", n.Data)
	}
}

func TestPushIgnoresEmptyPayload(t *testing.T) {
	notifier := NewNotificationLog(newTestLogger())
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), func(o *Options) {
		o.Notifier = notifier
	})
	if err := w.Push(context.Background(), []byte("  ")); err != nil {
		t.Fatalf("empty push should be ignored: %v", err)
	}
	if len(notifier.List()) != 0 {
		t.Fatalf("no notification expected")
	}
	if err := w.Push(context.Background(), []byte("{bad")); !errors.Is(err, ErrInvalidPush) {
		t.Fatalf("expected ErrInvalidPush, got %v", err)
	}
}

func TestNotificationClickExploreOpensHome(t *testing.T) {
	ctx := context.Background()
	notifier := NewNotificationLog(newTestLogger())
	clients := NewClientRegistry()
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), func(o *Options) {
		o.Notifier = notifier
		o.Clients = clients
	})
	if err := w.Push(ctx, []byte(`{"title":"hi"}`)); err != nil {
		t.Fatalf("push error: %v", err)
	}
	id := notifier.List()[0].ID

	if err := w.NotificationClick(ctx, NotificationClick{NotificationID: id, Action: ActionExplore}); err != nil {
		t.Fatalf("click error: %v", err)
	}
	if !notifier.List()[0].Closed {
		t.Fatalf("notification should be closed")
	}
	opened := clients.Opened()
	if len(opened) != 1 || opened[0] != "https://asmf.example/" {
		t.Fatalf("expected home page opened, got %v", opened)
	}
}

func TestNotificationClickCloseOnly(t *testing.T) {
	ctx := context.Background()
	clients := NewClientRegistry()
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), func(o *Options) {
		o.Clients = clients
	})
	if err := w.NotificationClick(ctx, NotificationClick{NotificationID: "missing", Action: ActionClose}); err != nil {
		t.Fatalf("closing unknown notification should not fail: %v", err)
	}
	if len(clients.Opened()) != 0 {
		t.Fatalf("close action must not open a window")
	}
}

func TestSyncWaitsForBackgroundTag(t *testing.T) {
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), func(o *Options) {
		o.SyncDelay = 20 * time.Millisecond
	})
	started := time.Now()
	if err := w.Sync(context.Background(), BackgroundSyncTag); err != nil {
		t.Fatalf("sync error: %v", err)
	}
	if time.Since(started) < 20*time.Millisecond {
		t.Fatalf("background sync should wait for the configured delay")
	}
	if err := w.Sync(context.Background(), "other-tag"); err != nil {
		t.Fatalf("unknown tag should be ignored: %v", err)
	}
}

func TestSyncCancelled(t *testing.T) {
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), func(o *Options) {
		o.SyncDelay = time.Hour
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := w.Sync(ctx, BackgroundSyncTag); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
