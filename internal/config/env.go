package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides 收集部署流水线常用的环境变量覆盖项，零值表示未设置。
type envOverrides struct {
	LogLevel     string `env:"MELPLAY_SHELL_LOG_LEVEL"`
	ListenPort   int    `env:"MELPLAY_SHELL_LISTEN_PORT"`
	Upstream     string `env:"MELPLAY_SHELL_UPSTREAM"`
	CacheVersion int    `env:"MELPLAY_SHELL_CACHE_VERSION"`
}

// applyEnvOverrides 在文件配置之上叠加环境变量；CacheVersion 会同时提升所有 Registration，
// 这是发布新版本时整体淘汰旧缓存代际的唯一入口。
func applyEnvOverrides(cfg *Config) error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}

	if overrides.LogLevel != "" {
		cfg.Global.LogLevel = overrides.LogLevel
	}
	if overrides.ListenPort != 0 {
		cfg.Global.ListenPort = overrides.ListenPort
	}
	if overrides.Upstream != "" {
		cfg.Global.Upstream = overrides.Upstream
	}
	if overrides.CacheVersion != 0 {
		for i := range cfg.Registrations {
			reg := &cfg.Registrations[i]
			// 显式 CacheName 不随版本变化，提升版本将不会产生新代际。
			if strings.TrimSpace(reg.CacheName) != "" {
				return newFieldError(registrationField(reg.Name, "CacheName"),
					"与 MELPLAY_SHELL_CACHE_VERSION 冲突，显式代际名不会随版本提升")
			}
			reg.CacheVersion = overrides.CacheVersion
		}
	}
	return nil
}
