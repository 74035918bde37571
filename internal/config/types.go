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

// ActivationMode 决定激活阶段清理旧缓存失败时的处理方式。
type ActivationMode string

const (
	// ActivationStrict 任一旧命名空间删除失败即放弃激活，不接管页面。
	ActivationStrict ActivationMode = "strict"
	// ActivationBestEffort 记录删除失败并继续接管。
	ActivationBestEffort ActivationMode = "best-effort"
)

// DefaultStaticManifest 是安装阶段必须全部缓存成功的资源列表。
var DefaultStaticManifest = []string{
	"/",
	"/static/manifest.json",
	"/static/sw.js",
	"/login",
	"/register",
	"/dashboard",
	"/static/icon-192.png",
	"/static/icon-512.png",
}

// DefaultAssetPrefixes 命中这些前缀的请求走 cache-first。
var DefaultAssetPrefixes = []string{"/auth/", "/static/"}

// GlobalConfig 描述全局运行时行为。
type GlobalConfig struct {
	ListenPort           int      `mapstructure:"ListenPort"`
	LogLevel             string   `mapstructure:"LogLevel"`
	LogFilePath          string   `mapstructure:"LogFilePath"`
	LogMaxSize           int      `mapstructure:"LogMaxSize"`
	LogMaxBackups        int      `mapstructure:"LogMaxBackups"`
	LogCompress          bool     `mapstructure:"LogCompress"`
	StoragePath          string   `mapstructure:"StoragePath"`
	UpstreamTimeout      Duration `mapstructure:"UpstreamTimeout"`
	InstallRetryInterval Duration `mapstructure:"InstallRetryInterval"`
}

// WorkerConfig 描述拦截层面对的应用：页面可见的 Origin、真实上游以及缓存命名空间版本。
type WorkerConfig struct {
	Origin         string         `mapstructure:"Origin"`
	Upstream       string         `mapstructure:"Upstream"`
	CachePrefix    string         `mapstructure:"CachePrefix"`
	CacheVersion   string         `mapstructure:"CacheVersion"`
	StaticManifest []string       `mapstructure:"StaticManifest"`
	AssetPrefixes  []string       `mapstructure:"AssetPrefixes"`
	ActivationMode ActivationMode `mapstructure:"ActivationMode"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
}

// Generation 汇总决定缓存版本的字段，字段变化意味着需要重新走一遍 install/activate。
func (w WorkerConfig) Generation() string {
	return strings.Join([]string{
		w.CachePrefix,
		w.CacheVersion,
		strings.Join(w.StaticManifest, ","),
		strings.Join(w.AssetPrefixes, ","),
		string(w.ActivationMode),
	}, "|")
}
