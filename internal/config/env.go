package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvOverrides 允许部署环境在不改动 config.toml 的情况下覆盖全局参数。
type EnvOverrides struct {
	ListenPort    int    `env:"ASMF_LISTEN_PORT"`
	LogLevel      string `env:"ASMF_LOG_LEVEL"`
	StorageDriver string `env:"ASMF_STORAGE_DRIVER"`
	StoragePath   string `env:"ASMF_STORAGE_PATH"`
}

// LoadEnvOverrides 读取 ASMF_* 环境变量。
func LoadEnvOverrides() (EnvOverrides, error) {
	var overrides EnvOverrides
	if err := env.Parse(&overrides); err != nil {
		return EnvOverrides{}, fmt.Errorf("解析环境变量失败: %w", err)
	}
	return overrides, nil
}

// Apply 仅覆盖非零值字段。
func (o EnvOverrides) Apply(g *GlobalConfig) {
	if o.ListenPort != 0 {
		g.ListenPort = o.ListenPort
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		g.LogLevel = v
	}
	if v := strings.TrimSpace(o.StorageDriver); v != "" {
		g.StorageDriver = v
	}
	if v := strings.TrimSpace(o.StoragePath); v != "" {
		g.StoragePath = v
	}
}
