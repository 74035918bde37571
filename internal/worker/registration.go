package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Registration 持有当前控制页面的 Worker，并负责新版本的 install → activate → claim。
type Registration struct {
	logger *logrus.Logger

	mu         sync.Mutex
	controller atomic.Pointer[Worker]
}

// NewRegistration 创建尚无控制者的注册表，此时所有请求都应直接透传。
func NewRegistration(logger *logrus.Logger) *Registration {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registration{logger: logger}
}

// Controller 返回当前接管页面的 Worker，尚未接管时为 nil。
func (r *Registration) Controller() *Worker {
	return r.controller.Load()
}

// Register 让新 Worker 完整走一遍生命周期。安装成功后 skip-waiting 使其立即进入激活，
// 激活成功后立即接管；任何阶段失败都保留原控制者。同一时刻只处理一个注册。
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w.registration = r
	if _, err := w.Install(ctx).Await(ctx); err != nil {
		return fmt.Errorf("install %s: %w", w.opts.Version, err)
	}
	if _, err := w.Activate(ctx).Await(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", w.opts.Version, err)
	}
	return nil
}

// Restore 在磁盘上已有同一代完整缓存时直接让 w 接管，跳过联网安装；
// 返回 false 表示需要走完整的 Register。
func (r *Registration) Restore(ctx context.Context, w *Worker) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := w.restorable(ctx)
	if err != nil {
		return false, fmt.Errorf("restore %s: %w", w.opts.Version, err)
	}
	if !ok {
		return false, nil
	}
	if err := w.transition(StateActivated); err != nil {
		return false, err
	}
	w.registration = r
	w.claim()
	r.logger.WithFields(w.lifecycleFields("restore")).Info("已从磁盘恢复激活的缓存代")
	return true, nil
}

func (r *Registration) claim(w *Worker) {
	previous := r.controller.Swap(w)
	fields := w.lifecycleFields("claim")
	if previous != nil && previous != w {
		previous.retire()
		fields["previous_version"] = previous.opts.Version
	}
	r.logger.WithFields(fields).Info("新版本已接管全部页面")
}
