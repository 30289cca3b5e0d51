package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
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

// 存储驱动名称。
const (
	StorageDriverFS     = "fs"
	StorageDriverSQLite = "sqlite"
	StorageDriverMemory = "memory"
)

// DefaultOfflineURLs 是 app shell 的默认离线清单，均相对于注册 scope。
// 空字符串代表 scope 根路径本身。
var DefaultOfflineURLs = []string{
	"",
	"index.html",
	"manifest.webmanifest",
	"icons/melplay-icon.svg",
	"icons/apple-touch-icon.png",
	"vite.svg",
}

// DefaultBypassPrefixes 列出必须直连网络的认证回调路径片段。
var DefaultBypassPrefixes = []string{
	"__/auth",
	"__/firebase",
	"firebase-auth-sw.js",
}

// GlobalConfig 描述全局运行时行为，所有 Registration 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StorageDriver   string   `mapstructure:"StorageDriver"`
	Origin          string   `mapstructure:"Origin"`
	Upstream        string   `mapstructure:"Upstream"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	OtelEndpoint    string   `mapstructure:"OtelEndpoint"`
}

// RegistrationConfig 决定某个 scope 下 worker 的缓存代际、离线清单与绕行规则。
type RegistrationConfig struct {
	Name           string   `mapstructure:"Name"`
	Scope          string   `mapstructure:"Scope"`
	AppName        string   `mapstructure:"AppName"`
	CacheVersion   int      `mapstructure:"CacheVersion"`
	CacheName      string   `mapstructure:"CacheName"`
	OfflineURLs    []string `mapstructure:"OfflineURLs"`
	BypassPrefixes []string `mapstructure:"BypassPrefixes"`
	HoldActivation bool     `mapstructure:"HoldActivation"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global        GlobalConfig         `mapstructure:",squash"`
	Registrations []RegistrationConfig `mapstructure:"Registration"`
}

// GenerationName 返回缓存代际标识，显式 CacheName 优先，否则为 "<app>-cache-v<N>"。
func (r RegistrationConfig) GenerationName() string {
	if name := strings.TrimSpace(r.CacheName); name != "" {
		return name
	}
	return fmt.Sprintf("%s-cache-v%d", r.AppName, r.CacheVersion)
}

// ScopeURL 拼接公开 origin 与 scope 路径，得到注册时使用的 scope URL。
func (c *Config) ScopeURL(r RegistrationConfig) string {
	return strings.TrimSuffix(c.Global.Origin, "/") + r.Scope
}

// GenerationNames 返回所有 Registration 的代际摘要，例如 app:melplay-cache-v2。
func GenerationNames(regs []RegistrationConfig) []string {
	if len(regs) == 0 {
		return nil
	}
	result := make([]string, len(regs))
	for i, reg := range regs {
		result[i] = fmt.Sprintf("%s:%s", reg.Name, reg.GenerationName())
	}
	return result
}
