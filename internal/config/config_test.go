package config

import (
	"path/filepath"
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
		t.Fatalf("UpstreamTimeout 应解析为 15s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应被转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.ListenPort != 5000 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.NoRecord {
		t.Fatalf("NoRecord 默认应为 false")
	}
	if len(cfg.Targets) != 2 {
		t.Fatalf("应解析出 2 个 Target，得到 %d", len(cfg.Targets))
	}
	if !cfg.Targets[1].IsCatchAll() {
		t.Fatalf("未设置 Domain 的 Target 应为 catch-all")
	}
}

func TestEffectiveTapesDir(t *testing.T) {
	cfg := &Config{Global: GlobalConfig{StoragePath: "/var/tapes"}}
	if dir := cfg.EffectiveTapesDir(TargetConfig{Name: "github"}); dir != filepath.Join("/var/tapes", "github") {
		t.Fatalf("未覆盖 TapesDir 时应落在 StoragePath/<Name>，得到 %s", dir)
	}
	if dir := cfg.EffectiveTapesDir(TargetConfig{Name: "github", TapesDir: "/fixtures"}); dir != "/fixtures" {
		t.Fatalf("TapesDir 覆盖应优先生效，得到 %s", dir)
	}
}

func TestEffectiveIgnoreHeadersMerges(t *testing.T) {
	cfg := &Config{Global: GlobalConfig{IgnoreHeaders: []string{"User-Agent"}}}
	got := cfg.EffectiveIgnoreHeaders(TargetConfig{IgnoreHeaders: []string{"Authorization"}})
	if len(got) != 2 || got[0] != "User-Agent" || got[1] != "Authorization" {
		t.Fatalf("忽略头应合并全局与 Target 配置，得到 %v", got)
	}
	if got := cfg.EffectiveIgnoreHeaders(TargetConfig{}); len(got) != 1 {
		t.Fatalf("仅全局配置时应返回全局值，得到 %v", got)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateRejectsSecondCatchAll(t *testing.T) {
	cfg := validConfig()
	cfg.Targets = append(cfg.Targets, TargetConfig{Name: "other", Upstream: "http://127.0.0.1:9000"})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("两个 catch-all Target 应当报错")
	}
}

func TestValidateTargetNames(t *testing.T) {
	testCases := []struct {
		name      string
		target    string
		shouldErr bool
	}{
		{"plain ok", "github", false},
		{"dash ok", "api-v2", false},
		{"missing", "", true},
		{"slash", "a/b", true},
		{"dotdot", "..", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Targets[0].Name = tc.target
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for name %q", tc.target)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for name %q: %v", tc.target, err)
			}
		})
	}
}

func TestValidateRejectsDuplicateDomain(t *testing.T) {
	cfg := validConfig()
	cfg.Targets[0].Domain = "api.local"
	cfg.Targets = append(cfg.Targets, TargetConfig{Name: "b", Domain: "api.local", Upstream: "http://127.0.0.1:9000"})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("重复的 Domain 应当报错")
	}
}

func TestValidateRejectsBadIgnoreHeader(t *testing.T) {
	cfg := validConfig()
	cfg.Global.IgnoreHeaders = []string{"X-Trace: 1"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非法头部名称应当报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./tapes",
			UpstreamTimeout: Duration(time.Second),
		},
		Targets: []TargetConfig{
			{
				Name:     "upstream",
				Upstream: "http://127.0.0.1:8080",
			},
		},
	}
}
