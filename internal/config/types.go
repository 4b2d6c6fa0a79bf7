package config

import (
	"fmt"
	"path/filepath"
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

// GlobalConfig 描述全局运行时行为，所有 Target 共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	NoRecord        bool     `mapstructure:"NoRecord"`
	Verbose         bool     `mapstructure:"Verbose"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	LedgerPath      string   `mapstructure:"LedgerPath"`
	IgnoreHeaders   []string `mapstructure:"IgnoreHeaders"`
}

// TargetConfig 决定单个上游如何被录制/回放。
type TargetConfig struct {
	Name          string   `mapstructure:"Name"`
	Domain        string   `mapstructure:"Domain"`
	Upstream      string   `mapstructure:"Upstream"`
	Proxy         string   `mapstructure:"Proxy"`
	TapesDir      string   `mapstructure:"TapesDir"`
	IgnoreHeaders []string `mapstructure:"IgnoreHeaders"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global  GlobalConfig   `mapstructure:",squash"`
	Targets []TargetConfig `mapstructure:"Target"`
}

// IsCatchAll 表示该 Target 未绑定域名，接收所有未匹配的 Host。
func (t TargetConfig) IsCatchAll() bool {
	return strings.TrimSpace(t.Domain) == ""
}

// EffectiveTapesDir 返回 Target 的磁带根目录，未覆盖时落在 StoragePath/<Name>。
func (c *Config) EffectiveTapesDir(t TargetConfig) string {
	if dir := strings.TrimSpace(t.TapesDir); dir != "" {
		return dir
	}
	return filepath.Join(c.Global.StoragePath, t.Name)
}

// EffectiveIgnoreHeaders 合并全局与 Target 级别的指纹忽略头。
func (c *Config) EffectiveIgnoreHeaders(t TargetConfig) []string {
	if len(c.Global.IgnoreHeaders) == 0 && len(t.IgnoreHeaders) == 0 {
		return nil
	}
	merged := make([]string, 0, len(c.Global.IgnoreHeaders)+len(t.IgnoreHeaders))
	merged = append(merged, c.Global.IgnoreHeaders...)
	merged = append(merged, t.IgnoreHeaders...)
	return merged
}

// RecordingMode 输出 `record` 或 `replay-only`，供日志字段使用。
func (g GlobalConfig) RecordingMode() string {
	if g.NoRecord {
		return "replay-only"
	}
	return "record"
}

// TargetNames 返回所有 Target 的名称与域名摘要，例如 github:api.github.local。
func TargetNames(targets []TargetConfig) []string {
	if len(targets) == 0 {
		return nil
	}
	result := make([]string, len(targets))
	for i, target := range targets {
		domain := target.Domain
		if target.IsCatchAll() {
			domain = "*"
		}
		result[i] = fmt.Sprintf("%s:%s", target.Name, domain)
	}
	return result
}
