package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/asmf/asmf-offline/internal/cache"
)

func TestMessageGetVersion(t *testing.T) {
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), nil)
	port := NewChannelPort()
	if err := w.Message(context.Background(), Message{Type: MessageGetVersion}, port); err != nil {
		t.Fatalf("message error: %v", err)
	}
	select {
	case reply := <-port:
		got, ok := reply.(VersionReply)
		if !ok || got.Version != "asmf-v3.0-2025-11-03" {
			t.Fatalf("unexpected reply %#v", reply)
		}
	default:
		t.Fatalf("expected a version reply")
	}
}

func TestMessageGetVersionRequiresPort(t *testing.T) {
	w := newInstalledWorker(t, cache.NewMemoryStorage(), seededNetwork(), nil)
	if err := w.Message(context.Background(), Message{Type: MessageGetVersion}, nil); !errors.Is(err, ErrNoReplyPort) {
		t.Fatalf("expected ErrNoReplyPort, got %v", err)
	}
}

func TestMessageSkipWaitingAndUnknown(t *testing.T) {
	w, err := New(testOptions(t, cache.NewMemoryStorage(), seededNetwork()))
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	port := NewChannelPort()
	if err := w.Message(context.Background(), Message{Type: "PING"}, port); err != nil {
		t.Fatalf("unknown message should be ignored: %v", err)
	}
	if w.SkipWaitingRequested() {
		t.Fatalf("unknown message must not skip waiting")
	}
	if err := w.Message(context.Background(), Message{Type: MessageSkipWaiting}, port); err != nil {
		t.Fatalf("skip waiting error: %v", err)
	}
	if !w.SkipWaitingRequested() {
		t.Fatalf("SKIP_WAITING should be recorded")
	}
	if len(port) != 0 {
		t.Fatalf("no reply expected, got %d", len(port))
	}
}

func TestChannelPortFull(t *testing.T) {
	port := NewChannelPort()
	if err := port.PostMessage(1); err != nil {
		t.Fatalf("first post: %v", err)
	}
	if err := port.PostMessage(2); !errors.Is(err, ErrPortFull) {
		t.Fatalf("expected ErrPortFull, got %v", err)
	}
}
