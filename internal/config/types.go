package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// 默认站点参数与 ASMF 线上 service worker 保持一致。
const (
	DefaultAppName     = "asmf"
	DefaultVersion     = "3.0"
	DefaultDate        = "2025-11-03"
	DefaultOfflinePage = "/offline.html"
)

// DefaultPrecache 是站点离线运行所需的种子 URL 列表。
var DefaultPrecache = []string{
	"/",
	"/index.html",
	"/styles.css",
	"/script.js",
	"https://fonts.googleapis.com/css2?family=Poppins:wght@400;500;600;700&family=Inter:wght@400;500;600&family=JetBrains+Mono:wght@400;500&display=swap",
}

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}
	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	SyncDelay       Duration `mapstructure:"SyncDelay"`
}

// SiteConfig 描述一个被离线代理接管的站点：Host 映射、源站地址以及缓存桶版本。
type SiteConfig struct {
	Name        string   `mapstructure:"Name"`
	Domain      string   `mapstructure:"Domain"`
	Origin      string   `mapstructure:"Origin"`
	Proxy       string   `mapstructure:"Proxy"`
	AppName     string   `mapstructure:"AppName"`
	Version     string   `mapstructure:"Version"`
	Date        string   `mapstructure:"Date"`
	CacheName   string   `mapstructure:"CacheName"`
	Precache    []string `mapstructure:"Precache"`
	OfflinePage string   `mapstructure:"OfflinePage"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// EffectiveCacheName 返回当前版本的缓存桶名，格式 {app}-v{version}-{date}；
// 显式配置 CacheName 时直接使用。
func (s SiteConfig) EffectiveCacheName() string {
	if name := strings.TrimSpace(s.CacheName); name != "" {
		return name
	}
	name := fmt.Sprintf("%s-v%s", s.AppName, s.Version)
	if date := strings.TrimSpace(s.Date); date != "" {
		name += "-" + date
	}
	return name
}

// OfflinePageSeeded 判断离线兜底页是否在种子列表中；不在时断网导航将无法兜底。
func (s SiteConfig) OfflinePageSeeded() bool {
	if s.OfflinePage == "" {
		return false
	}
	target := s.resolve(s.OfflinePage)
	for _, seed := range s.Precache {
		if s.resolve(seed) == target {
			return true
		}
	}
	return false
}

func (s SiteConfig) resolve(raw string) string {
	base, err := url.Parse(s.Origin)
	if err != nil {
		return raw
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// CacheNames 返回所有站点的缓存桶摘要，例如 asmf:asmf-v3.0-2025-11-03。
func CacheNames(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.EffectiveCacheName())
	}
	return result
}
