package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// ErrNoResponse 表示缓存与网络都不可用且没有适用的兜底页面。
var ErrNoResponse = errors.New("no response available")

// Strategy 是请求采用的缓存顺序。
type Strategy string

const (
	CacheFirst   Strategy = "cache-first"
	NetworkFirst Strategy = "network-first"
)

// Source 标记回复来自哪一层。
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Reply 是一次拦截的结果，Response.Body 由调用方负责关闭。
type Reply struct {
	Response *http.Response
	Source   Source
	Strategy Strategy
}

// Classify 按 URL 形状判断请求是否像静态资源：命中前缀，或最后一段路径包含 "."。
func Classify(path string, assetPrefixes []string) Strategy {
	for _, prefix := range assetPrefixes {
		if strings.HasPrefix(path, prefix) {
			return CacheFirst
		}
	}
	last := path[strings.LastIndex(path, "/")+1:]
	if strings.Contains(last, ".") {
		return CacheFirst
	}
	return NetworkFirst
}

// IsNavigationRequest 对应请求模式 navigate（地址栏跳转、链接点击）。
func IsNavigationRequest(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate")
}

// IsDocumentRequest 对应请求目标为完整文档。
func IsDocumentRequest(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "document")
}

// Intercept 决定是否接管请求。返回 false 表示直接透传，不做任何改动；
// 仅同源 GET 请求会被接管，结果通过 Task 异步给出。
func (w *Worker) Intercept(ctx context.Context, req *http.Request) (*Task[*Reply], bool) {
	if req.Method != http.MethodGet || !w.SameOrigin(req.URL) {
		return nil, false
	}
	strategy := Classify(req.URL.Path, w.opts.AssetPrefixes)
	return Go(ctx, func(ctx context.Context) (*Reply, error) {
		var (
			reply *Reply
			err   error
		)
		if strategy == CacheFirst {
			reply, err = w.cacheFirst(ctx, req)
		} else {
			reply, err = w.networkFirst(ctx, req)
		}
		w.logFetch(req, strategy, reply, err)
		return reply, err
	}), true
}

// SameOrigin 判断目标 URL 是否与 Worker 的 origin 完全一致（scheme + host + port）。
func (w *Worker) SameOrigin(target *url.URL) bool {
	if target == nil || target.Host == "" {
		return false
	}
	return originOf(target) == w.origin
}

func (w *Worker) cacheFirst(ctx context.Context, req *http.Request) (*Reply, error) {
	key := cache.KeyFor(req)
	if hit, ok := w.lookup(ctx, key); ok {
		return &Reply{Response: hit.Response(req), Source: SourceCache, Strategy: CacheFirst}, nil
	}

	resp, err := w.fetchAndStore(ctx, req, key, w.opts.Names.Static)
	if err == nil {
		return &Reply{Response: resp, Source: SourceNetwork, Strategy: CacheFirst}, nil
	}

	if IsDocumentRequest(req) {
		if fallback, ok := w.lookup(ctx, w.root); ok {
			return &Reply{Response: fallback.Response(req), Source: SourceFallback, Strategy: CacheFirst}, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
}

func (w *Worker) networkFirst(ctx context.Context, req *http.Request) (*Reply, error) {
	key := cache.KeyFor(req)
	resp, err := w.fetchAndStore(ctx, req, key, w.opts.Names.Dynamic)
	if err == nil {
		return &Reply{Response: resp, Source: SourceNetwork, Strategy: NetworkFirst}, nil
	}

	if hit, ok := w.lookup(ctx, key); ok {
		return &Reply{Response: hit.Response(req), Source: SourceCache, Strategy: NetworkFirst}, nil
	}
	if IsNavigationRequest(req) {
		if fallback, ok := w.lookup(ctx, w.root); ok {
			return &Reply{Response: fallback.Response(req), Source: SourceFallback, Strategy: NetworkFirst}, nil
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrNoResponse, err)
}

// fetchAndStore 请求网络；200 响应的正文会被完整读取一次，缓存副本与返回给调用方的副本
// 各自持有独立 Reader，写缓存发生在返回之前。
func (w *Worker) fetchAndStore(ctx context.Context, req *http.Request, key cache.Key, namespace string) (*http.Response, error) {
	resp, err := w.opts.Network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	w.store(ctx, namespace, cache.Snapshot{
		Key:    key,
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
	}, body)
	return resp, nil
}

// store 写入失败只记录日志，不影响本次回复；写入不随调用方取消而中断。
func (w *Worker) store(ctx context.Context, namespace string, snapshot cache.Snapshot, body []byte) {
	ctx = context.WithoutCancel(ctx)
	ns, err := w.opts.Storage.Open(ctx, namespace)
	if err == nil {
		_, err = ns.Put(ctx, snapshot, bytes.NewReader(body))
	}
	if err != nil {
		w.opts.Logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_put",
			"cache":  namespace,
			"url":    snapshot.Key.URL,
		}).Warn("cache_put_failed")
	}
}

// lookup 在所有命名空间中查找；除未命中外的错误按未命中处理并记录日志。
func (w *Worker) lookup(ctx context.Context, key cache.Key) (*cache.ReadResult, bool) {
	result, err := w.opts.Storage.Match(ctx, key)
	switch {
	case err == nil:
		return result, true
	case errors.Is(err, cache.ErrNotFound):
		return nil, false
	default:
		w.opts.Logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_match",
			"url":    key.URL,
		}).Warn("cache_get_failed")
		return nil, false
	}
}

func (w *Worker) logFetch(req *http.Request, strategy Strategy, reply *Reply, err error) {
	source := ""
	if reply != nil {
		source = string(reply.Source)
	}
	entry := w.opts.Logger.WithFields(logging.RequestFields(
		req.Method, req.URL.String(), string(strategy), source, IsNavigationRequest(req),
	))
	if err != nil {
		entry.WithError(err).Warn("fetch_unavailable")
		return
	}
	entry.WithField("status", reply.Response.StatusCode).Debug("fetch_intercepted")
}
