package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// namespaceUnsafe 列出会破坏磁盘布局的字符，命名空间名称直接作为目录名使用。
const namespaceUnsafe = `/\:*?"<>| `

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
	if g.UpstreamTimeout.DurationValue() < 0 {
		return newFieldError("Global.UpstreamTimeout", "不能为负数")
	}
	if g.InstallRetryInterval.DurationValue() <= 0 {
		return newFieldError("Global.InstallRetryInterval", "必须大于 0")
	}

	w := c.Worker
	if err := validateOrigin(w.Origin); err != nil {
		return fmt.Errorf("%s: %w", workerField("Origin"), err)
	}
	if err := validateOrigin(w.Upstream); err != nil {
		return fmt.Errorf("%s: %w", workerField("Upstream"), err)
	}
	if err := validateNamespacePart(w.CachePrefix); err != nil {
		return fmt.Errorf("%s: %w", workerField("CachePrefix"), err)
	}
	if err := validateNamespacePart(w.CacheVersion); err != nil {
		return fmt.Errorf("%s: %w", workerField("CacheVersion"), err)
	}
	if len(w.StaticManifest) == 0 {
		return newFieldError(workerField("StaticManifest"), "至少需要一项")
	}
	for i, entry := range w.StaticManifest {
		if !strings.HasPrefix(entry, "/") {
			return newFieldError(manifestField(i), "必须是以 / 开头的路径")
		}
	}
	for _, prefix := range w.AssetPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return newFieldError(workerField("AssetPrefixes"), fmt.Sprintf("前缀必须以 / 开头: %s", prefix))
		}
	}
	switch w.ActivationMode {
	case ActivationStrict, ActivationBestEffort:
	default:
		return newFieldError(workerField("ActivationMode"), "仅支持 strict/best-effort")
	}

	return nil
}

// validateOrigin 要求 scheme + host 形式，且不带路径、查询或片段。
func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("不能为空")
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
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("不允许包含路径: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("不允许包含查询或片段: %s", raw)
	}
	return nil
}

func validateNamespacePart(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, namespaceUnsafe) {
		return fmt.Errorf("包含非法字符: %q", value)
	}
	if value == "." || value == ".." {
		return fmt.Errorf("非法取值: %q", value)
	}
	return nil
}
