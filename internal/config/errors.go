package config

import "fmt"

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// newFieldError 创建包含字段路径与原因的 error，便于 CLI 定位。
func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}

// workerField 用于拼接 Worker 段字段路径，输出 Worker.Field 形式。
func workerField(field string) string {
	return fmt.Sprintf("Worker.%s", field)
}

// manifestField 定位静态清单中的某一项，例如 Worker.StaticManifest[3]。
func manifestField(idx int) string {
	return fmt.Sprintf("%s[%d]", workerField("StaticManifest"), idx)
}
