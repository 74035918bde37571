package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/server"
)

// UpstreamNetwork 实现 worker.Network：同源请求改写到真实上游，其余请求按原地址发出。
type UpstreamNetwork struct {
	client   *http.Client
	origin   *url.URL
	upstream *url.URL
}

// NewUpstreamNetwork 构造共享 http.Client 的网络层。
func NewUpstreamNetwork(client *http.Client, origin, upstream *url.URL) *UpstreamNetwork {
	if client == nil {
		client = http.DefaultClient
	}
	return &UpstreamNetwork{
		client:   client,
		origin:   origin,
		upstream: upstream,
	}
}

// Fetch 发出请求；仅传输层错误返回 error，任何 HTTP 状态都作为响应返回。
func (n *UpstreamNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	target := *req.URL
	sameOrigin := n.isOrigin(req.URL)
	if sameOrigin {
		target.Scheme = n.upstream.Scheme
		target.Host = n.upstream.Host
	}

	var body io.Reader
	if req.Body != nil && req.Body != http.NoBody {
		body = req.Body
	}
	outbound, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	outbound.ContentLength = req.ContentLength

	server.CopyHeaders(outbound.Header, req.Header)
	outbound.Header.Del("Accept-Encoding")
	outbound.Host = target.Host
	if sameOrigin {
		outbound.Header.Set("X-Forwarded-Host", req.URL.Host)
		outbound.Header.Set("X-Forwarded-Proto", req.URL.Scheme)
	}

	return n.client.Do(outbound)
}

func (n *UpstreamNetwork) isOrigin(target *url.URL) bool {
	if n.origin == nil || n.upstream == nil || target == nil {
		return false
	}
	return strings.EqualFold(target.Scheme, n.origin.Scheme) && sameHost(target, n.origin)
}

// sameHost 比较 host:port，缺省端口按 scheme 补齐。
func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Hostname(), b.Hostname()) && effectivePort(a) == effectivePort(b)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	if strings.EqualFold(u.Scheme, "https") {
		return "443"
	}
	return "80"
}
