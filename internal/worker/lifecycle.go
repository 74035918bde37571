package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
)

// ErrManifestEntry 表示静态清单中的某项未能以 2xx 返回。
var ErrManifestEntry = errors.New("manifest entry unavailable")

type manifestEntry struct {
	snapshot cache.Snapshot
	body     []byte
}

// Install 打开静态命名空间并原子地缓存整份清单：先并发拉取全部条目，
// 全部成功后才写入；任意一项失败则整个安装失败，Worker 变为 redundant。
func (w *Worker) Install(ctx context.Context) *Task[struct{}] {
	return Go(ctx, func(ctx context.Context) (struct{}, error) {
		if err := w.transition(StateInstalling); err != nil {
			return struct{}{}, err
		}
		w.opts.Logger.WithFields(w.lifecycleFields("install")).Info("开始安装，缓存静态清单")

		if err := w.install(ctx); err != nil {
			_ = w.transition(StateRedundant)
			w.opts.Logger.WithError(err).WithFields(w.lifecycleFields("install")).Error("install_failed")
			return struct{}{}, err
		}
		if err := w.transition(StateInstalled); err != nil {
			return struct{}{}, err
		}
		w.skipWaiting()

		fields := w.lifecycleFields("install")
		fields["entries"] = len(w.opts.Manifest)
		w.opts.Logger.WithFields(fields).Info("安装完成")
		return struct{}{}, nil
	})
}

func (w *Worker) install(ctx context.Context) error {
	ns, err := w.opts.Storage.Open(ctx, w.opts.Names.Static)
	if err != nil {
		return fmt.Errorf("open static cache: %w", err)
	}

	entries := make([]manifestEntry, len(w.opts.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range w.opts.Manifest {
		g.Go(func() error {
			entry, err := w.fetchManifestEntry(gctx, path)
			if err != nil {
				return err
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	previous, err := w.backupEntries(ctx, ns, entries)
	if err != nil {
		return err
	}
	written := make([]cache.Key, 0, len(entries))
	for _, entry := range entries {
		if _, err := ns.Put(ctx, entry.snapshot, bytes.NewReader(entry.body)); err != nil {
			w.rollback(ctx, ns, written, previous)
			return fmt.Errorf("store %s: %w", entry.snapshot.Key.URL, err)
		}
		written = append(written, entry.snapshot.Key)
	}
	return nil
}

// backupEntries 读出即将被覆盖的旧条目，写入中途失败时据此恢复。
func (w *Worker) backupEntries(ctx context.Context, ns cache.Namespace, entries []manifestEntry) (map[cache.Key]manifestEntry, error) {
	previous := make(map[cache.Key]manifestEntry)
	for _, entry := range entries {
		key := entry.snapshot.Key
		existing, err := ns.Match(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read existing %s: %w", key.URL, err)
		}
		body, err := io.ReadAll(existing.Body)
		existing.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read existing %s: %w", key.URL, err)
		}
		previous[key] = manifestEntry{snapshot: existing.Snapshot, body: body}
	}
	return previous, nil
}

func (w *Worker) fetchManifestEntry(ctx context.Context, path string) (manifestEntry, error) {
	target := w.manifestURL(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return manifestEntry{}, err
	}

	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return manifestEntry{}, fmt.Errorf("%w: %s returned %d", ErrManifestEntry, target, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return manifestEntry{}, fmt.Errorf("read %s: %w", target, err)
	}

	return manifestEntry{
		snapshot: cache.Snapshot{
			Key:    cache.KeyFor(req),
			Status: resp.StatusCode,
			Header: resp.Header.Clone(),
		},
		body: body,
	}, nil
}

func (w *Worker) manifestURL(path string) *url.URL {
	return w.opts.Origin.ResolveReference(&url.URL{Path: path})
}

// rollback 撤销本次安装已写入的条目：原本存在的恢复旧内容，新增的直接删除。
func (w *Worker) rollback(ctx context.Context, ns cache.Namespace, keys []cache.Key, previous map[cache.Key]manifestEntry) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		var err error
		if old, ok := previous[key]; ok {
			_, err = ns.Put(ctx, old.snapshot, bytes.NewReader(old.body))
		} else {
			err = ns.Remove(ctx, key)
		}
		if err != nil {
			w.opts.Logger.WithError(err).WithFields(logrus.Fields{
				"action": "install_rollback",
				"url":    key.URL,
			}).Warn("install_rollback_failed")
		}
	}
}

// Activate 并发删除不属于当前这一代的全部命名空间，等待全部完成后接管页面。
// strict 模式下任一删除失败即激活失败；best-effort 模式仅记录失败并继续接管。
func (w *Worker) Activate(ctx context.Context) *Task[struct{}] {
	return Go(ctx, func(ctx context.Context) (struct{}, error) {
		if err := w.transition(StateActivating); err != nil {
			return struct{}{}, err
		}
		w.opts.Logger.WithFields(w.lifecycleFields("activate")).Info("开始激活，清理旧缓存")

		if err := w.purgeStaleCaches(ctx); err != nil {
			_ = w.transition(StateRedundant)
			w.opts.Logger.WithError(err).WithFields(w.lifecycleFields("activate")).Error("activate_failed")
			return struct{}{}, err
		}
		if err := w.saveActive(ctx); err != nil {
			w.opts.Logger.WithError(err).WithFields(w.lifecycleFields("activate")).Warn("active_generation_save_failed")
		}
		if err := w.transition(StateActivated); err != nil {
			return struct{}{}, err
		}
		w.claim()

		w.opts.Logger.WithFields(w.lifecycleFields("activate")).Info("激活完成，已接管页面")
		return struct{}{}, nil
	})
}

func (w *Worker) purgeStaleCaches(ctx context.Context) error {
	names, err := w.opts.Storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}

	var g errgroup.Group
	for _, name := range names {
		if w.opts.Names.IsCurrent(name) {
			continue
		}
		g.Go(func() error {
			fields := w.lifecycleFields("activate")
			fields["cache"] = name
			w.opts.Logger.WithFields(fields).Info("删除旧缓存")

			if _, err := w.opts.Storage.Delete(ctx, name); err != nil {
				if w.opts.BestEffortActivation {
					w.opts.Logger.WithError(err).WithFields(fields).Warn("cache_delete_failed")
					return nil
				}
				return fmt.Errorf("delete cache %s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
