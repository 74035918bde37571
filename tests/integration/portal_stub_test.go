package integration

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// portalStub 模拟真实的 Web 应用：默认清单中的页面与静态资源都返回 200，
// /missing 返回 404，其余路径回显路径，便于断言来源。
type portalStub struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []string
}

var portalPages = map[string]string{
	"/":                     "<html>portal shell</html>",
	"/static/manifest.json": `{"name":"career-portal"}`,
	"/static/sw.js":         "self.addEventListener('fetch', () => {})",
	"/login":                "<html>login</html>",
	"/register":             "<html>register</html>",
	"/dashboard":            "<html>dashboard</html>",
	"/static/icon-192.png":  "png-192",
	"/static/icon-512.png":  "png-512",
}

func newPortalStub(t *testing.T) *portalStub {
	t.Helper()
	stub := &portalStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.Close)
	return stub
}

func (s *portalStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()

	if body, ok := portalPages[r.URL.Path]; ok {
		w.Header().Set("Content-Type", contentTypeFor(r.URL.Path))
		_, _ = io.WriteString(w, body)
		return
	}
	if r.URL.Path == "/missing" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "live:"+r.URL.Path)
}

func (s *portalStub) URL() string {
	return s.server.URL
}

// Close 关闭上游，之后的所有请求都会得到连接错误，相当于断网。
func (s *portalStub) Close() {
	s.server.Close()
}

func (s *portalStub) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, entry := range s.requests {
		if strings.HasSuffix(entry, " "+path) {
			n++
		}
	}
	return n
}

func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".json"):
		return "application/json"
	case strings.HasSuffix(path, ".js"):
		return "application/javascript"
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	default:
		return "text/html; charset=utf-8"
	}
}
