package server

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/asmf/asmf-offline/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if fallback := NewUpstreamClient(&config.Config{}); fallback.Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s, got %s", fallback.Timeout)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive, X-Debug-Token")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Debug-Token", "secret")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}
	if dst.Get("X-Debug-Token") != "" {
		t.Fatalf("headers listed in Connection should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestClientForProxy(t *testing.T) {
	base := &http.Client{Timeout: time.Second, Transport: defaultTransport.Clone()}
	if ClientForProxy(base, nil) != base {
		t.Fatalf("nil proxy should reuse the base client")
	}
	proxyURL, _ := url.Parse("http://proxy.local:3128")
	client := ClientForProxy(base, proxyURL)
	if client == base || client.Timeout != time.Second {
		t.Fatalf("proxy client should be a copy with the same timeout")
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport")
	}
	req, _ := http.NewRequest(http.MethodGet, "https://asmf.example/", nil)
	got, err := transport.Proxy(req)
	if err != nil || got.String() != proxyURL.String() {
		t.Fatalf("unexpected proxy %v %v", got, err)
	}
}
