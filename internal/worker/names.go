package worker

import "fmt"

// Names 是一代缓存的两个命名空间名称，由配置注入而非进程级常量。
type Names struct {
	Static  string
	Dynamic string
}

// NamesFor 生成 <prefix>-static-<version> 与 <prefix>-dynamic-<version>。
func NamesFor(prefix, version string) Names {
	return Names{
		Static:  fmt.Sprintf("%s-static-%s", prefix, version),
		Dynamic: fmt.Sprintf("%s-dynamic-%s", prefix, version),
	}
}

// IsCurrent 判断 name 是否属于当前这一代。
func (n Names) IsCurrent(name string) bool {
	return name == n.Static || name == n.Dynamic
}
