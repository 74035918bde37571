package worker

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// BackgroundSyncTag 是预留的后台同步标签。
const BackgroundSyncTag = "background-sync"

// ErrDuplicateSync 表示同一标签已注册处理函数。
var ErrDuplicateSync = errors.New("sync handler already registered")

// SyncHandler 在对应标签的同步事件触发时执行，返回后运行时才会继续挂起。
type SyncHandler func(ctx context.Context) error

// SyncRegistry 维护 tag → handler 映射。
type SyncRegistry struct {
	handlers sync.Map
}

// NewSyncRegistry 返回空注册表。
func NewSyncRegistry() *SyncRegistry {
	return &SyncRegistry{}
}

// DefaultSyncRegistry 注册 background-sync 占位处理函数：只记录日志并立即完成。
func DefaultSyncRegistry(logger *logrus.Logger) *SyncRegistry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	registry := NewSyncRegistry()
	registry.MustRegister(BackgroundSyncTag, func(ctx context.Context) error {
		logger.WithField("action", "sync").Debug("执行后台同步")
		return nil
	})
	return registry
}

// Register 为 tag 注册处理函数。
func (r *SyncRegistry) Register(tag string, handler SyncHandler) error {
	key := normalizeTag(tag)
	if key == "" {
		return errors.New("sync tag required")
	}
	if handler == nil {
		return errors.New("sync handler required")
	}
	if _, loaded := r.handlers.LoadOrStore(key, handler); loaded {
		return ErrDuplicateSync
	}
	return nil
}

// MustRegister panics on registration failure.
func (r *SyncRegistry) MustRegister(tag string, handler SyncHandler) {
	if err := r.Register(tag, handler); err != nil {
		panic(err)
	}
}

// Lookup retrieves the handler registered for tag.
func (r *SyncRegistry) Lookup(tag string) (SyncHandler, bool) {
	key := normalizeTag(tag)
	if key == "" {
		return nil, false
	}
	if value, ok := r.handlers.Load(key); ok {
		if handler, ok := value.(SyncHandler); ok {
			return handler, true
		}
	}
	return nil, false
}

// Tags returns every registered tag in sorted order.
func (r *SyncRegistry) Tags() []string {
	var tags []string
	r.handlers.Range(func(key, _ any) bool {
		tags = append(tags, key.(string))
		return true
	})
	sort.Strings(tags)
	return tags
}

func normalizeTag(tag string) string {
	return strings.TrimSpace(tag)
}

// Sync 投递一次同步事件。未注册的 tag 被过滤（返回 false），
// 已注册的 tag 返回的 Task 完成即代表事件处理结束。
func (w *Worker) Sync(ctx context.Context, tag string) (*Task[struct{}], bool) {
	fields := w.lifecycleFields("sync")
	fields["tag"] = tag
	w.opts.Logger.WithFields(fields).Info("后台同步触发")

	handler, ok := w.opts.Sync.Lookup(tag)
	if !ok {
		return nil, false
	}
	return Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, handler(ctx)
	}), true
}
