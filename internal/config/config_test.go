package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("UpstreamTimeout 应被解析为 15s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	reg := cfg.Registrations[0]
	if reg.GenerationName() != "melplay-cache-v2" {
		t.Fatalf("代际名称不符合预期: %s", reg.GenerationName())
	}
	if len(reg.OfflineURLs) != len(DefaultOfflineURLs) {
		t.Fatalf("未配置 OfflineURLs 时应使用默认清单，得到 %v", reg.OfflineURLs)
	}
	if len(reg.BypassPrefixes) != len(DefaultBypassPrefixes) {
		t.Fatalf("未配置 BypassPrefixes 时应使用默认列表，得到 %v", reg.BypassPrefixes)
	}
	if got := cfg.ScopeURL(reg); got != "http://localhost:5000/app/" {
		t.Fatalf("scope URL 不符合预期: %s", got)
	}
}

func TestValidateRejectsMissingUpstream(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Upstream 的配置应返回错误")
	}
}

func TestGenerationNamePrefersCacheName(t *testing.T) {
	reg := RegistrationConfig{AppName: "melplay", CacheVersion: 3, CacheName: "shell-blue"}
	if got := reg.GenerationName(); got != "shell-blue" {
		t.Fatalf("显式 CacheName 应优先生效，得到 %s", got)
	}
	reg.CacheName = ""
	if got := reg.GenerationName(); got != "melplay-cache-v3" {
		t.Fatalf("应回退为 <app>-cache-v<N>，得到 %s", got)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestStorageDriverValidation(t *testing.T) {
	testCases := []struct {
		name      string
		driver    string
		shouldErr bool
	}{
		{"fs ok", StorageDriverFS, false},
		{"sqlite ok", StorageDriverSQLite, false},
		{"memory ok", StorageDriverMemory, false},
		{"unsupported driver", "redis", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Global.StorageDriver = tc.driver
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for driver %q", tc.driver)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for driver %q: %v", tc.driver, err)
			}
		})
	}
}

func TestValidateRejectsOriginWithPath(t *testing.T) {
	cfg := validConfig()
	cfg.Global.Origin = "http://localhost:5000/app"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Origin 带路径时应报错")
	}
}

func TestValidateRegistrationRules(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(cfg *Config)
		field  string
	}{
		{
			name:   "duplicate scope",
			mutate: func(cfg *Config) { cfg.Registrations = append(cfg.Registrations, RegistrationConfig{Name: "other", Scope: "/", AppName: "x", CacheVersion: 1}) },
			field:  "Registration[other].Scope",
		},
		{
			name:   "relative scope",
			mutate: func(cfg *Config) { cfg.Registrations[0].Scope = "app/" },
			field:  "Registration[melplay].Scope",
		},
		{
			name:   "missing version",
			mutate: func(cfg *Config) { cfg.Registrations[0].CacheVersion = 0 },
			field:  "Registration[melplay].CacheVersion",
		},
		{
			name:   "absolute offline url",
			mutate: func(cfg *Config) { cfg.Registrations[0].OfflineURLs = []string{"/index.html"} },
			field:  "Registration[melplay].OfflineURLs",
		},
		{
			name:   "duplicate offline url",
			mutate: func(cfg *Config) { cfg.Registrations[0].OfflineURLs = []string{"index.html", "index.html"} },
			field:  "Registration[melplay].OfflineURLs",
		},
		{
			name:   "empty bypass prefix",
			mutate: func(cfg *Config) { cfg.Registrations[0].BypassPrefixes = []string{"/"} },
			field:  "Registration[melplay].BypassPrefixes",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("expected FieldError, got %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     "./data",
			StorageDriver:   StorageDriverFS,
			Origin:          "http://localhost:5000",
			Upstream:        "http://127.0.0.1:4173",
			UpstreamTimeout: Duration(time.Second),
		},
		Registrations: []RegistrationConfig{
			{
				Name:           "melplay",
				Scope:          "/",
				AppName:        "melplay",
				CacheVersion:   2,
				OfflineURLs:    append([]string(nil), DefaultOfflineURLs...),
				BypassPrefixes: append([]string(nil), DefaultBypassPrefixes...),
			},
		},
	}
}
