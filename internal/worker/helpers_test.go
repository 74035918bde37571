package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

const testOrigin = "http://portal.local"

var (
	errOffline  = errors.New("network unreachable")
	testNames   = NamesFor("career-portal", "v1.0.0")
	testTimeout = 5 * time.Second
)

type fakeResponse struct {
	status      int
	body        string
	contentType string
}

// fakeNetwork 按路径返回预置响应并记录调用；offline 时所有请求失败。
type fakeNetwork struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	offline   bool
	calls     []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{responses: map[string]fakeResponse{}}
}

func (n *fakeNetwork) serve(path string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responses[path] = fakeResponse{status: status, body: body, contentType: "text/plain"}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) Fetch(_ context.Context, req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, req.URL.Path)
	if n.offline {
		return nil, errOffline
	}
	r, ok := n.responses[req.URL.Path]
	if !ok {
		r = fakeResponse{status: http.StatusNotFound, body: "not found", contentType: "text/plain"}
	}
	return &http.Response{
		StatusCode: r.status,
		Status:     http.StatusText(r.status),
		Header:     http.Header{"Content-Type": []string{r.contentType}},
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func newTestWorker(t *testing.T, storage cache.Storage, network Network, mutate ...func(*Options)) *Worker {
	t.Helper()
	origin, _ := url.Parse(testOrigin)
	opts := Options{
		Version:       "v1.0.0",
		Names:         testNames,
		Origin:        origin,
		AssetPrefixes: []string{"/auth/", "/static/"},
		Storage:       storage,
		Network:       network,
		Logger:        logging.Discard(),
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("worker init failed: %v", err)
	}
	return w
}

func newTestStorage(t *testing.T) cache.Storage {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store init failed: %v", err)
	}
	return store
}

// activateWorker 走完 install + activate，使 Worker 进入可拦截状态。
func activateWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if _, err := w.Install(ctx).Await(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if _, err := w.Activate(ctx).Await(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
}

func seedEntry(t *testing.T, storage cache.Storage, namespace, path, body string) {
	t.Helper()
	ctx := context.Background()
	ns, err := storage.Open(ctx, namespace)
	if err != nil {
		t.Fatalf("open %s: %v", namespace, err)
	}
	key := cache.KeyFor(getRequest(t, path))
	if _, err := ns.Put(ctx, cache.Snapshot{Key: key, Status: http.StatusOK}, bytes.NewReader([]byte(body))); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func hasEntry(t *testing.T, storage cache.Storage, namespace, path string) bool {
	t.Helper()
	ctx := context.Background()
	ns, err := storage.Open(ctx, namespace)
	if err != nil {
		t.Fatalf("open %s: %v", namespace, err)
	}
	result, err := ns.Match(ctx, cache.KeyFor(getRequest(t, path)))
	if err != nil {
		return false
	}
	result.Body.Close()
	return true
}

func getRequest(t *testing.T, path string, headers ...string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, testOrigin+path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return req
}

func interceptAndWait(t *testing.T, w *Worker, req *http.Request) (*Reply, error) {
	t.Helper()
	task, ok := w.Intercept(req.Context(), req)
	if !ok {
		t.Fatalf("expected %s %s to be intercepted", req.Method, req.URL)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	return task.Await(ctx)
}

func readReply(t *testing.T, reply *Reply) string {
	t.Helper()
	defer reply.Response.Body.Close()
	body, err := io.ReadAll(reply.Response.Body)
	if err != nil {
		t.Fatalf("read reply body: %v", err)
	}
	return string(body)
}
