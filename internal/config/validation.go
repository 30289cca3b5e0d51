package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

var supportedStorageDrivers = map[string]struct{}{
	StorageDriverFS:     {},
	StorageDriverSQLite: {},
	StorageDriverMemory: {},
}

const supportedStorageDriverList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别: "+g.LogLevel)
	}
	if _, ok := supportedStorageDrivers[g.StorageDriver]; !ok {
		return newFieldError("Global.StorageDriver", "仅支持 "+supportedStorageDriverList)
	}
	if g.StorageDriver != StorageDriverMemory && g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if err := validateHTTPURL(g.Upstream); err != nil {
		return fmt.Errorf("Global.Upstream: %w", err)
	}
	if g.OtelEndpoint != "" {
		if err := validateHTTPURL(g.OtelEndpoint); err != nil {
			return fmt.Errorf("Global.OtelEndpoint: %w", err)
		}
	}

	if len(c.Registrations) == 0 {
		return errors.New("至少需要配置一个 Registration")
	}

	seenNames := map[string]struct{}{}
	seenScopes := map[string]struct{}{}
	for i := range c.Registrations {
		reg := &c.Registrations[i]
		if reg.Name == "" {
			return newFieldError("Registration[].Name", "不能为空")
		}
		if _, exists := seenNames[reg.Name]; exists {
			return newFieldError(registrationField(reg.Name, "Name"), "重复")
		}
		seenNames[reg.Name] = struct{}{}

		if !strings.HasPrefix(reg.Scope, "/") {
			return newFieldError(registrationField(reg.Name, "Scope"), "必须以 / 开头")
		}
		if strings.ContainsAny(reg.Scope, "?#") {
			return newFieldError(registrationField(reg.Name, "Scope"), "不允许包含查询串或片段")
		}
		if _, exists := seenScopes[reg.Scope]; exists {
			return newFieldError(registrationField(reg.Name, "Scope"), "重复")
		}
		seenScopes[reg.Scope] = struct{}{}

		if strings.TrimSpace(reg.CacheName) == "" && reg.CacheVersion <= 0 {
			return newFieldError(registrationField(reg.Name, "CacheVersion"), "必须大于 0")
		}
		if strings.ContainsAny(reg.GenerationName(), "/\\") {
			return newFieldError(registrationField(reg.Name, "CacheName"), "不允许包含路径分隔符")
		}

		seenURLs := map[string]struct{}{}
		for _, raw := range reg.OfflineURLs {
			if strings.HasPrefix(raw, "/") || strings.Contains(raw, "://") {
				return newFieldError(registrationField(reg.Name, "OfflineURLs"), "必须是相对 scope 的路径: "+raw)
			}
			if _, exists := seenURLs[raw]; exists {
				return newFieldError(registrationField(reg.Name, "OfflineURLs"), "重复条目: "+raw)
			}
			seenURLs[raw] = struct{}{}
		}
		for _, prefix := range reg.BypassPrefixes {
			if strings.Trim(prefix, "/ ") == "" {
				return newFieldError(registrationField(reg.Name, "BypassPrefixes"), "不能为空")
			}
		}
	}

	return nil
}

func validateOrigin(raw string) error {
	if err := validateHTTPURL(raw); err != nil {
		return err
	}
	parsed, _ := url.Parse(raw)
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("origin 不应包含路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("origin 不应包含查询串: %s", raw)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("缺少地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("缺少 Host: %s", raw)
	}
	return nil
}
