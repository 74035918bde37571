package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Network 是真实网络请求的抽象，返回错误即视为网络失败，非 200 状态不算失败。
type Network interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NetworkFunc 让普通函数满足 Network。
type NetworkFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch makes NetworkFunc satisfy Network.
func (f NetworkFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Options 汇总构建 Worker 所需的依赖与配置。
type Options struct {
	// Version 仅用于日志，通常是 CacheVersion。
	Version              string
	// Generation 标识一代完整配置，相同时重启可直接从磁盘恢复；为空时取缓存名。
	Generation           string
	Names                Names
	Origin               *url.URL
	Manifest             []string
	AssetPrefixes        []string
	BestEffortActivation bool
	Storage              cache.Storage
	Network              Network
	Sync                 *SyncRegistry
	Logger               *logrus.Logger
}

// Worker 持有一代缓存的完整生命周期与请求拦截逻辑。
type Worker struct {
	opts   Options
	origin string
	root   cache.Key

	mu    sync.Mutex
	state State

	skippedWaiting atomic.Bool
	controlling    atomic.Bool
	registration   *Registration
}

// New 校验依赖并返回处于 parsed 状态的 Worker。
func New(opts Options) (*Worker, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin is required")
	}
	if opts.Names.Static == "" || opts.Names.Dynamic == "" {
		return nil, errors.New("cache names are required")
	}
	if opts.Names.Static == opts.Names.Dynamic {
		return nil, fmt.Errorf("static and dynamic cache names must differ: %s", opts.Names.Static)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Sync == nil {
		opts.Sync = NewSyncRegistry()
	}
	if opts.Generation == "" {
		opts.Generation = opts.Names.Static + "|" + opts.Names.Dynamic
	}
	opts.Manifest = append([]string(nil), opts.Manifest...)
	opts.AssetPrefixes = append([]string(nil), opts.AssetPrefixes...)

	origin := originOf(opts.Origin)
	rootURL := &url.URL{Scheme: opts.Origin.Scheme, Host: opts.Origin.Host, Path: "/"}
	return &Worker{
		opts:   opts,
		origin: origin,
		root:   cache.NewKey(http.MethodGet, rootURL),
		state:  StateParsed,
	}, nil
}

// State 返回当前生命周期阶段。
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Names 返回该 Worker 所属的缓存代。
func (w *Worker) Names() Names {
	return w.opts.Names
}

// Version 返回构建时注入的缓存版本。
func (w *Worker) Version() string {
	return w.opts.Version
}

// Controlling 表示该 Worker 是否已接管页面请求。
func (w *Worker) Controlling() bool {
	return w.controlling.Load()
}

// SkippedWaiting 表示 install 成功后是否已跳过等待期。
func (w *Worker) SkippedWaiting() bool {
	return w.skippedWaiting.Load()
}

func (w *Worker) transition(to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !canTransition(w.state, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, w.state, to)
	}
	w.state = to
	return nil
}

// skipWaiting 让 installed 直接进入激活，不等待旧版本释放页面。
func (w *Worker) skipWaiting() {
	w.skippedWaiting.Store(true)
}

// claim 让当前实例立即接管所有页面，无需等待页面刷新。
func (w *Worker) claim() {
	w.controlling.Store(true)
	if w.registration != nil {
		w.registration.claim(w)
	}
}

// retire 在被新版本替换后调用。
func (w *Worker) retire() {
	w.controlling.Store(false)
	_ = w.transition(StateRedundant)
}

func (w *Worker) lifecycleFields(action string) logrus.Fields {
	fields := logging.LifecycleFields(action, w.opts.Version, w.State().String())
	fields["static_cache"] = w.opts.Names.Static
	fields["dynamic_cache"] = w.opts.Names.Dynamic
	return fields
}

// originOf 输出 scheme://host:port，默认端口显式补齐，便于严格比较。
func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return scheme + "://" + host + ":" + port
}
