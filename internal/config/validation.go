package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if err := validateIgnoreHeaders(g.IgnoreHeaders); err != nil {
		return fmt.Errorf("Global.IgnoreHeaders: %w", err)
	}

	if len(c.Targets) == 0 {
		return errors.New("至少需要配置一个 Target")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	catchAll := ""
	for i := range c.Targets {
		target := &c.Targets[i]
		if target.Name == "" {
			return newFieldError("Target[].Name", "不能为空")
		}
		if err := validateName(target.Name); err != nil {
			return fmt.Errorf("%s: %w", targetField(target.Name, "Name"), err)
		}
		if _, exists := seenNames[target.Name]; exists {
			return newFieldError(targetField(target.Name, "Name"), "重复")
		}
		seenNames[target.Name] = struct{}{}

		if target.IsCatchAll() {
			if catchAll != "" {
				return newFieldError(targetField(target.Name, "Domain"), fmt.Sprintf("仅允许一个未绑定域名的 Target，已存在 %s", catchAll))
			}
			catchAll = target.Name
		} else {
			if err := validateDomain(target.Domain); err != nil {
				return fmt.Errorf("%s: %w", targetField(target.Name, "Domain"), err)
			}
			if owner, exists := seenDomains[target.Domain]; exists {
				return newFieldError(targetField(target.Name, "Domain"), fmt.Sprintf("与 %s 重复", owner))
			}
			seenDomains[target.Domain] = target.Name
		}

		if err := validateUpstream(target.Upstream); err != nil {
			return fmt.Errorf("%s: %w", targetField(target.Name, "Upstream"), err)
		}
		if target.Proxy != "" {
			if err := validateUpstream(target.Proxy); err != nil {
				return fmt.Errorf("%s: %w", targetField(target.Name, "Proxy"), err)
			}
		}
		if err := validateIgnoreHeaders(target.IgnoreHeaders); err != nil {
			return fmt.Errorf("%s: %w", targetField(target.Name, "IgnoreHeaders"), err)
		}
	}

	return nil
}

// validateName 保证 Target 名称可以直接作为目录名使用。
func validateName(name string) error {
	if name == "." || name == ".." {
		return errors.New("不能为 . 或 ..")
	}
	if strings.ContainsAny(name, `/\ `) || strings.ContainsRune(name, 0) {
		return errors.New("不允许包含路径分隔符或空白")
	}
	return nil
}

func validateDomain(domain string) error {
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

func validateIgnoreHeaders(headers []string) error {
	for _, header := range headers {
		trimmed := strings.TrimSpace(header)
		if trimmed == "" {
			return errors.New("头部名称不能为空")
		}
		if strings.ContainsAny(trimmed, ": \t") {
			return fmt.Errorf("非法头部名称: %q", header)
		}
	}
	return nil
}
