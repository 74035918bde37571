package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

const (
	// HeaderSource 标记回复来源：network/cache/fallback/passthrough。
	HeaderSource = "X-Offline-Hub-Source"
	// HeaderStrategy 标记被拦截请求采用的策略。
	HeaderStrategy = "X-Offline-Hub-Strategy"

	sourcePassthrough = "passthrough"
)

// Handler 把 Fiber 请求还原为页面视角的 *http.Request，交给当前控制者拦截；
// 未被拦截的请求直接走网络，不做任何缓存处理。
type Handler struct {
	registration *worker.Registration
	network      worker.Network
	origin       *url.URL
	logger       *logrus.Logger
}

// NewHandler constructs a proxy handler sharing the registration, network and logger.
func NewHandler(registration *worker.Registration, network worker.Network, origin *url.URL, logger *logrus.Logger) *Handler {
	return &Handler{
		registration: registration,
		network:      network,
		origin:       origin,
		logger:       logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := h.buildPageRequest(ctx, c)
	if err != nil {
		h.logResult(c.Method(), c.OriginalURL(), "", requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	if controller := h.registration.Controller(); controller != nil {
		if task, ok := controller.Intercept(ctx, req); ok {
			reply, err := task.Await(ctx)
			if err != nil {
				h.logResult(req.Method, req.URL.String(), "", requestID, 0, started, err)
				return h.writeError(c, fiber.StatusBadGateway, "fetch_failed")
			}
			c.Set(HeaderStrategy, string(reply.Strategy))
			return h.writeResponse(c, req, reply.Response, string(reply.Source), requestID, started)
		}
	}

	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		h.logResult(req.Method, req.URL.String(), sourcePassthrough, requestID, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	return h.writeResponse(c, req, resp, sourcePassthrough, requestID, started)
}

// buildPageRequest 还原页面看到的绝对 URL。请求行为绝对地址（正向代理形式）时 host 取自请求行，
// 否则取自 Host 头；host 与 origin 一致时沿用 origin 的 scheme。
func (h *Handler) buildPageRequest(ctx context.Context, c fiber.Ctx) (*http.Request, error) {
	uri := c.Request().URI()
	host := string(uri.Host())
	if host == "" {
		host = hostHeader(c)
	}
	if host == "" {
		return nil, errors.New("missing host header")
	}

	scheme := string(uri.Scheme())
	if scheme == "" {
		scheme = c.Scheme()
	}
	if h.origin != nil && sameHost(&url.URL{Scheme: h.origin.Scheme, Host: host}, h.origin) {
		scheme = h.origin.Scheme
	}
	target, err := url.Parse(scheme + "://" + host + string(uri.RequestURI()))
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}
	c.Request().Header.VisitAll(func(key, value []byte) {
		req.Header.Add(string(key), string(value))
	})
	req.Header.Del(fiber.HeaderHost)
	req.Host = target.Host
	return req, nil
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	req *http.Request,
	resp *http.Response,
	source string,
	requestID string,
	started time.Time,
) error {
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, source)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if req.Method == http.MethodHead {
		h.logResult(req.Method, req.URL.String(), source, requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(req.Method, req.URL.String(), source, requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(method, target, source, requestID string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "proxy",
		"method":     method,
		"url":        target,
		"source":     source,
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	entry := h.logger.WithFields(fields)
	if err != nil {
		entry.WithError(err).Warn("proxy_failed")
		return
	}
	entry.Info("proxy_complete")
}

// copyResponseHeaders 逐值追加以保留多值头（如 Set-Cookie），长度由实际写出的正文决定。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}
