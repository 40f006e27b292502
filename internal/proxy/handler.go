package proxy

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/asmf/asmf-offline/internal/logging"
	"github.com/asmf/asmf-offline/internal/server"
	"github.com/asmf/asmf-offline/internal/worker"
)

const (
	headerCacheHit  = "X-ASMF-Cache-Hit"
	headerCacheName = "X-ASMF-Cache-Name"
	// HeaderClientID 由页面携带，用于登记受控页面。
	HeaderClientID = "X-ASMF-Client-ID"
)

// Handler 把页面请求转换为一次拦截事件，交给站点的 worker 宿主处理后写回响应。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle 执行拦截：缓存命中直接返回，否则由 worker 回源；失败统一返回 502。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	if route.Registration == nil {
		h.logResult(route, requestID, "", 0, false, started, errors.New("site has no worker registration"))
		return h.writeError(c, fiber.StatusServiceUnavailable, "worker_unavailable")
	}

	req := buildWorkerRequest(c, route)
	result, err := route.Registration.Fetch(c.Context(), req)
	if err != nil {
		h.logResult(route, requestID, req.Destination, 0, false, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "network_failed")
	}

	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerCacheHit, strconv.FormatBool(result.CacheHit()))
	c.Set(headerCacheName, route.CacheName)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	h.logResult(route, requestID, req.Destination, resp.Status, result.CacheHit(), started, nil)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	requestID string,
	destination worker.Destination,
	status int,
	cacheHit bool,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.CacheName,
		string(destination),
		cacheHit,
	)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildWorkerRequest 把 Host 上的请求映射到站点 Origin 下的同一路径。
func buildWorkerRequest(c fiber.Ctx, route *server.SiteRoute) *worker.Request {
	header := http.Header{}
	server.CopyHeaders(header, fiberHeadersAsHTTP(c))
	header.Del(HeaderClientID)

	return &worker.Request{
		Method:      c.Method(),
		URL:         resolveUpstreamURL(route.OriginURL, c),
		Header:      header,
		Body:        append([]byte(nil), c.Body()...),
		Destination: requestDestination(c),
		ClientID:    strings.TrimSpace(c.Get(HeaderClientID)),
	}
}

// requestDestination 依次参考 Sec-Fetch-Dest、Sec-Fetch-Mode: navigate，
// 最后把 Accept: text/html 的 GET 视为整页导航。
func requestDestination(c fiber.Ctx) worker.Destination {
	if dest := strings.ToLower(strings.TrimSpace(c.Get("Sec-Fetch-Dest"))); dest != "" {
		if dest == "empty" {
			return worker.DestinationEmpty
		}
		return worker.Destination(dest)
	}
	if strings.EqualFold(c.Get("Sec-Fetch-Mode"), "navigate") {
		return worker.DestinationDocument
	}
	if c.Method() == http.MethodGet && strings.Contains(strings.ToLower(c.Get(fiber.HeaderAccept)), "text/html") {
		return worker.DestinationDocument
	}
	return worker.DestinationEmpty
}

func requestPath(c fiber.Ctx) string {
	pathVal := string(c.Request().URI().Path())
	if !strings.HasPrefix(pathVal, "/") {
		pathVal = "/" + pathVal
	}
	return pathVal
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	clean := requestPath(c)
	relative := &url.URL{Path: clean}
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	if base == nil {
		return relative
	}
	return base.ResolveReference(relative)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
