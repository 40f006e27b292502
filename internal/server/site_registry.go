package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/asmf/asmf-offline/internal/config"
	"github.com/asmf/asmf-offline/internal/worker"
)

// SiteRoute 将站点配置与派生属性（解析后的 Origin/Proxy URL、缓存桶名、worker 宿主）
// 聚合在一起，供路由/代理层直接复用，避免重复解析配置。
type SiteRoute struct {
	// Config 是 config.toml 中声明的站点字段副本。
	Config config.SiteConfig
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// OriginURL/ProxyURL 在构造 Registry 时提前解析完成。
	OriginURL *url.URL
	ProxyURL  *url.URL
	// CacheName 是当前版本的缓存桶名。
	CacheName string
	// Registration 在启动阶段通过 Bind 注入，nil 表示站点尚未挂载 worker。
	Registration *worker.Registration
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
type SiteRegistry struct {
	routes  map[string]*SiteRoute
	byName  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewSiteRegistry(cfg *config.Config) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &SiteRegistry{
		routes: make(map[string]*SiteRoute, len(cfg.Sites)),
		byName: make(map[string]*SiteRoute, len(cfg.Sites)),
	}

	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := buildSiteRoute(cfg, site)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[strings.ToLower(site.Name)] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Bind 为每个站点创建 worker 宿主，任一站点失败即返回错误。
func (r *SiteRegistry) Bind(build func(route *SiteRoute) (*worker.Registration, error)) error {
	if r == nil {
		return errors.New("site registry is nil")
	}
	for _, route := range r.ordered {
		reg, err := build(route)
		if err != nil {
			return fmt.Errorf("site %s: %w", route.Config.Name, err)
		}
		route.Registration = reg
	}
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// Site 根据站点名查找 SiteRoute（大小写不敏感）。
func (r *SiteRegistry) Site(name string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return route, ok
}

// Routes 按配置顺序返回全部站点。
func (r *SiteRegistry) Routes() []*SiteRoute {
	if r == nil {
		return nil
	}
	return append([]*SiteRoute(nil), r.ordered...)
}

func buildSiteRoute(cfg *config.Config, site config.SiteConfig) (*SiteRoute, error) {
	originURL, err := url.Parse(site.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid origin for site %s: %w", site.Name, err)
	}

	var proxyURL *url.URL
	if site.Proxy != "" {
		proxyURL, err = url.Parse(site.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for site %s: %w", site.Name, err)
		}
	}

	return &SiteRoute{
		Config:     site,
		ListenPort: cfg.Global.ListenPort,
		OriginURL:  originURL,
		ProxyURL:   proxyURL,
		CacheName:  site.EffectiveCacheName(),
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
