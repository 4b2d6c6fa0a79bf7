package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
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

	if err := rejectTargetLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Targets {
		applyTargetDefaults(&cfg.Targets[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.absolutize(); err != nil {
		return nil, err
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
	v.SetDefault("StoragePath", "./tapes")
	v.SetDefault("NoRecord", false)
	v.SetDefault("Verbose", false)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("LedgerPath", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if strings.TrimSpace(g.LogLevel) == "" {
		g.LogLevel = "info"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyTargetDefaults(t *TargetConfig) {
	t.Name = strings.TrimSpace(t.Name)
	t.Domain = strings.ToLower(strings.TrimSpace(t.Domain))
	t.Upstream = strings.TrimRight(strings.TrimSpace(t.Upstream), "/")
}

// absolutize 将存储相关路径转为绝对路径，避免工作目录变化导致磁带定位漂移。
func (c *Config) absolutize() error {
	absStorage, err := filepath.Abs(c.Global.StoragePath)
	if err != nil {
		return fmt.Errorf("无法解析磁带目录: %w", err)
	}
	c.Global.StoragePath = absStorage

	if c.Global.LedgerPath != "" {
		absLedger, err := filepath.Abs(c.Global.LedgerPath)
		if err != nil {
			return fmt.Errorf("无法解析 Ledger 路径: %w", err)
		}
		c.Global.LedgerPath = absLedger
	}

	for i := range c.Targets {
		if c.Targets[i].TapesDir == "" {
			continue
		}
		absDir, err := filepath.Abs(c.Targets[i].TapesDir)
		if err != nil {
			return fmt.Errorf("%s: %w", targetField(c.Targets[i].Name, "TapesDir"), err)
		}
		c.Targets[i].TapesDir = absDir
	}
	return nil
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

// rejectTargetLevelPorts 拒绝 Target 级别的 Port 字段，所有 Target 共享全局 ListenPort。
func rejectTargetLevelPorts(v *viper.Viper) error {
	raw := v.Get("Target")
	targets, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range targets {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := lookupFold(m, "Port"); exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := lookupFold(m, "Name"); ok {
				if str, ok := rawName.(string); ok && str != "" {
					name = str
				}
			}
			return newFieldError(targetField(name, "Port"), "不支持单独端口，请使用全局 ListenPort")
		}
	}

	return nil
}

// lookupFold 按大小写不敏感的方式取值，Viper 可能已将嵌套键转为小写。
func lookupFold(m map[string]interface{}, key string) (interface{}, bool) {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}
