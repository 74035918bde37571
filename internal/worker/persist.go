package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
)

const activeMetaName = "controller"

// ActiveGeneration 记录最近一次激活成功的缓存代。进程重启后据此直接恢复控制者，
// 无需联网重新安装。
type ActiveGeneration struct {
	Generation    string    `json:"generation"`
	Version       string    `json:"version"`
	Static        string    `json:"static"`
	Dynamic       string    `json:"dynamic"`
	Manifest      []string  `json:"manifest"`
	AssetPrefixes []string  `json:"asset_prefixes"`
	BestEffort    bool      `json:"best_effort"`
	ActivatedAt   time.Time `json:"activated_at"`
}

// Options 还原构建该代 Worker 所需的配置，依赖项由调用方补齐。
func (a *ActiveGeneration) Options() Options {
	return Options{
		Version:              a.Version,
		Generation:           a.Generation,
		Names:                Names{Static: a.Static, Dynamic: a.Dynamic},
		Manifest:             a.Manifest,
		AssetPrefixes:        a.AssetPrefixes,
		BestEffortActivation: a.BestEffort,
	}
}

// LoadActiveGeneration 读取持久化的激活记录，从未激活过时返回 cache.ErrNotFound。
func LoadActiveGeneration(ctx context.Context, storage cache.Storage) (*ActiveGeneration, error) {
	raw, err := storage.ReadMeta(ctx, activeMetaName)
	if err != nil {
		return nil, err
	}
	var active ActiveGeneration
	if err := json.Unmarshal(raw, &active); err != nil {
		return nil, fmt.Errorf("decode active generation: %w", err)
	}
	return &active, nil
}

func (w *Worker) saveActive(ctx context.Context) error {
	raw, err := json.Marshal(ActiveGeneration{
		Generation:    w.opts.Generation,
		Version:       w.opts.Version,
		Static:        w.opts.Names.Static,
		Dynamic:       w.opts.Names.Dynamic,
		Manifest:      w.opts.Manifest,
		AssetPrefixes: w.opts.AssetPrefixes,
		BestEffort:    w.opts.BestEffortActivation,
		ActivatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return w.opts.Storage.WriteMeta(context.WithoutCancel(ctx), activeMetaName, raw)
}

// restorable 判断磁盘上是否已有同一代的完整缓存：激活记录一致，且静态清单每一项都在。
func (w *Worker) restorable(ctx context.Context) (bool, error) {
	active, err := LoadActiveGeneration(ctx, w.opts.Storage)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if active.Generation != w.opts.Generation ||
		active.Static != w.opts.Names.Static ||
		active.Dynamic != w.opts.Names.Dynamic {
		return false, nil
	}

	keys, err := w.opts.Storage.Entries(ctx, w.opts.Names.Static)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	stored := make(map[cache.Key]struct{}, len(keys))
	for _, key := range keys {
		stored[key] = struct{}{}
	}
	for _, path := range w.opts.Manifest {
		if _, ok := stored[w.manifestKey(path)]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (w *Worker) manifestKey(path string) cache.Key {
	return cache.NewKey(http.MethodGet, w.manifestURL(path))
}
