package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/melplay/melplay-shell/internal/scope"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Registrations {
		applyRegistrationDefaults(&cfg.Registrations[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Global.Origin = normalizeOrigin(cfg.Global.Origin)

	if cfg.Global.StorageDriver != StorageDriverMemory {
		absStorage, err := filepath.Abs(cfg.Global.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析缓存目录: %w", err)
		}
		cfg.Global.StoragePath = absStorage
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StorageDriver", StorageDriverFS)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("OtelEndpoint", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	g.StorageDriver = strings.ToLower(strings.TrimSpace(g.StorageDriver))
	if g.StorageDriver == "" {
		g.StorageDriver = StorageDriverFS
	}
	g.Origin = strings.TrimSuffix(strings.TrimSpace(g.Origin), "/")
}

// normalizeOrigin 统一 origin 的大小写并去掉默认端口，保证与缓存 key 的 origin 一致。
func normalizeOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return scope.OriginOf(u)
}

func applyRegistrationDefaults(r *RegistrationConfig) {
	r.Scope = strings.TrimSpace(r.Scope)
	if r.Scope == "" {
		r.Scope = "/"
	}
	if !strings.HasSuffix(r.Scope, "/") {
		r.Scope += "/"
	}
	if strings.TrimSpace(r.AppName) == "" {
		r.AppName = "melplay"
	}
	if len(r.OfflineURLs) == 0 {
		r.OfflineURLs = append([]string(nil), DefaultOfflineURLs...)
	}
	if len(r.BypassPrefixes) == 0 {
		r.BypassPrefixes = append([]string(nil), DefaultBypassPrefixes...)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
