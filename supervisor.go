package main

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/worker"
)

const defaultRetryInterval = 30 * time.Second

type supervisorOptions struct {
	Registration  *worker.Registration
	Storage       cache.Storage
	Network       worker.Network
	Origin        *url.URL
	Sync          *worker.SyncRegistry
	RetryInterval time.Duration
	Logger        *logrus.Logger
}

// supervisor 把配置中的缓存代落地为 Worker 注册：同一代只注册一次，
// 安装失败（例如上游暂不可用）时按间隔重试，每次重试都使用全新的 Worker。
type supervisor struct {
	opts supervisorOptions

	mu         sync.Mutex
	generation string
	cancel     context.CancelFunc
	done       chan struct{}
}

func newSupervisor(opts supervisorOptions) *supervisor {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &supervisor{opts: opts}
}

// apply 在缓存代变化时中止上一轮未完成的注册并启动新一轮；相同的代直接忽略。
func (s *supervisor) apply(ctx context.Context, cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	generation := cfg.Worker.Generation()
	if generation == s.generation {
		return
	}
	s.stopLocked()

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.generation = generation
	s.cancel = cancel
	s.done = done

	workerCfg := cfg.Worker
	go func() {
		defer close(done)
		s.registerLoop(loopCtx, workerCfg, generation)
	}()
}

// wait 阻塞到当前一轮注册结束（成功、放弃或被取消）。
func (s *supervisor) wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *supervisor) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
}

// registerLoop 先尝试从磁盘恢复同一代；否则联网安装，失败时按间隔重试。
// 重试期间若没有任何控制者，会恢复上一次激活的缓存代继续离线服务。
func (s *supervisor) registerLoop(ctx context.Context, cfg config.WorkerConfig, generation string) {
	logger := s.opts.Logger.WithFields(logrus.Fields{
		"action":        "register",
		"cache_version": cfg.CacheVersion,
	})
	fallbackTried := false
	for attempt := 1; ; attempt++ {
		w, err := s.buildWorker(cfg, generation)
		if err != nil {
			logger.WithError(err).Error("构建 Worker 失败，放弃本轮注册")
			return
		}
		if attempt == 1 {
			restored, err := s.opts.Registration.Restore(ctx, w)
			if err != nil {
				logger.WithError(err).Warn("读取已激活缓存代失败，改为重新安装")
			}
			if restored {
				return
			}
		}
		err = s.opts.Registration.Register(ctx, w)
		if err == nil {
			logger.WithField("attempt", attempt).Info("Worker 注册完成")
			return
		}
		if ctx.Err() != nil {
			logger.WithError(err).Info("注册被取消")
			return
		}
		entry := logger.WithError(err).WithField("attempt", attempt).WithField("retry_in", s.opts.RetryInterval.String())
		if errors.Is(err, worker.ErrManifestEntry) {
			entry.Warn("预缓存清单未能全部获取，稍后重试")
		} else {
			entry.Warn("Worker 注册失败，稍后重试")
		}

		if !fallbackTried && s.opts.Registration.Controller() == nil {
			fallbackTried = true
			s.restorePrevious(ctx, generation)
		}

		timer := time.NewTimer(s.opts.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// restorePrevious 恢复磁盘上记录的上一代（与当前配置不同的代）作为临时控制者。
func (s *supervisor) restorePrevious(ctx context.Context, generation string) {
	active, err := worker.LoadActiveGeneration(ctx, s.opts.Storage)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.opts.Logger.WithError(err).WithField("action", "restore").Warn("读取已激活缓存代失败")
		}
		return
	}
	if active.Generation == generation {
		return
	}
	w, err := worker.New(s.withDependencies(active.Options()))
	if err != nil {
		s.opts.Logger.WithError(err).WithField("action", "restore").Warn("构建上一代 Worker 失败")
		return
	}
	restored, err := s.opts.Registration.Restore(ctx, w)
	if err != nil {
		s.opts.Logger.WithError(err).WithField("action", "restore").Warn("恢复上一代缓存失败")
		return
	}
	if restored {
		s.opts.Logger.WithFields(logrus.Fields{
			"action":        "restore",
			"cache_version": active.Version,
		}).Info("新版本安装前继续使用上一代缓存")
	}
}

func (s *supervisor) buildWorker(cfg config.WorkerConfig, generation string) (*worker.Worker, error) {
	return worker.New(s.withDependencies(worker.Options{
		Version:              cfg.CacheVersion,
		Generation:           generation,
		Names:                worker.NamesFor(cfg.CachePrefix, cfg.CacheVersion),
		Manifest:             cfg.StaticManifest,
		AssetPrefixes:        cfg.AssetPrefixes,
		BestEffortActivation: cfg.ActivationMode == config.ActivationBestEffort,
	}))
}

func (s *supervisor) withDependencies(opts worker.Options) worker.Options {
	opts.Origin = s.opts.Origin
	opts.Storage = s.opts.Storage
	opts.Network = s.opts.Network
	opts.Sync = s.opts.Sync
	opts.Logger = s.opts.Logger
	return opts
}
