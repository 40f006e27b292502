package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var supportedStorageDrivers = map[string]struct{}{
	"fs":     {},
	"sqlite": {},
	"memory": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}
	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	driver := strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if driver == "" {
		driver = "fs"
	}
	if _, ok := supportedStorageDrivers[driver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 fs/sqlite/memory")
	}
	if driver != "memory" && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.SyncDelay.DurationValue() < 0 {
		return newFieldError("Global.SyncDelay", "不能为负数")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domain := strings.ToLower(site.Domain)
		if _, exists := seenDomains[domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "重复")
		}
		seenDomains[domain] = struct{}{}

		if err := validateUpstream(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if site.Proxy != "" {
			if err := validateUpstream(site.Proxy); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Proxy"), err)
			}
		}

		cacheName := site.EffectiveCacheName()
		if strings.ContainsAny(cacheName, `/\ `) || strings.HasPrefix(cacheName, ".") || cacheName == "-v" {
			return newFieldError(siteField(site.Name, "CacheName"), "缓存桶名不合法: "+cacheName)
		}

		if len(site.Precache) == 0 {
			return newFieldError(siteField(site.Name, "Precache"), "至少需要一个种子 URL")
		}
		seeds := make(map[string]struct{}, len(site.Precache))
		for _, seed := range site.Precache {
			if err := validateResourcePath(seed); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Precache"), err)
			}
			resolved := site.resolve(seed)
			if _, dup := seeds[resolved]; dup {
				return newFieldError(siteField(site.Name, "Precache"), "种子 URL 重复: "+seed)
			}
			seeds[resolved] = struct{}{}
		}
		if site.OfflinePage != "" {
			if err := validateResourcePath(site.OfflinePage); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "OfflinePage"), err)
			}
		}
	}
	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateResourcePath 接受站内绝对路径（/xxx）或 http/https 绝对 URL。
func validateResourcePath(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return errors.New("资源路径不能为空")
	}
	if strings.HasPrefix(trimmed, "/") && !strings.HasPrefix(trimmed, "//") {
		if _, err := url.Parse(trimmed); err != nil {
			return err
		}
		return nil
	}
	return validateUpstream(trimmed)
}

// EffectiveUpstreamTimeout 返回上游超时，未配置时回退 30s。
func (c *Config) EffectiveUpstreamTimeout() time.Duration {
	if c == nil || c.Global.UpstreamTimeout.DurationValue() <= 0 {
		return 30 * time.Second
	}
	return c.Global.UpstreamTimeout.DurationValue()
}
