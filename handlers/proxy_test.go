package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v2"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/embedproxy"
)

// rewriteTransport sends every outbound request to a local test server,
// whatever host it names.
type rewriteTransport struct {
	target *url.URL
	calls  atomic.Int32
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	out := req.Clone(req.Context())
	out.URL.Scheme = t.target.Scheme
	out.URL.Host = t.target.Host
	out.Host = req.URL.Host
	return http.DefaultTransport.RoundTrip(out)
}

func setup(t *testing.T, cfg config.Config, upstream http.HandlerFunc) (*fiber.App, *rewriteTransport) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	rt := &rewriteTransport{target: u}

	p, err := embedproxy.New(cfg, embedproxy.WithTransport(rt))
	require.NoError(t, err)
	return NewServer(p, ServerOptions{Metrics: true}), rt
}

func get(t *testing.T, app *fiber.App, target string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Origin", "https://player.example")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func page(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}
}

func TestProxyScenarioA(t *testing.T) {
	app, rt := setup(t, config.Default(), page(`<iframe src="https://vidsrc.xyz/x?foo=1">`))

	resp, body := get(t, app, "/proxy?url="+url.QueryEscape("https://vidsrc.xyz/embed/1"))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, body, `<iframe src="https://vidsrc.xyz/x?foo=1&`)
	assert.Contains(t, body, `autoplay=1" width="100%" height="400px" style="border:none;"`)
	assert.Equal(t, 1, strings.Count(body, "autoplay=1"))
	assert.Equal(t, int32(1), rt.calls.Load())
}

func TestProxyScenarioMetaRefresh(t *testing.T) {
	app, _ := setup(t, config.Default(), page(`<html><head><meta http-equiv="refresh" content="0;url=evil.com"></head><body>hi</body></html>`))

	resp, body := get(t, app, "/proxy?url=https://vidsrc.xyz/embed/1")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, body, "refresh")
}

func TestProxyErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		status int
		body   string
	}{
		{"missing url", "/proxy", http.StatusBadRequest, `{"error":"Missing video URL"}`},
		{"empty url", "/proxy?url=", http.StatusBadRequest, `{"error":"Missing video URL"}`},
		{"unparseable url", "/proxy?url=" + url.QueryEscape("https://vidsrc.xyz:port/"), http.StatusBadRequest, `{"error":"Missing video URL"}`},
		{"forbidden host", "/proxy?url=" + url.QueryEscape("https://evil.example/x"), http.StatusForbidden, `{"error":"Forbidden host"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, rt := setup(t, config.Default(), page("<p>never served</p>"))

			resp, body := get(t, app, tt.target)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.JSONEq(t, tt.body, body)
			assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
			assert.Zero(t, rt.calls.Load(), "no outbound fetch on client errors")
		})
	}
}

func TestProxyUpstreamFailure(t *testing.T) {
	hook := logtest.NewGlobal()
	t.Cleanup(hook.Reset)

	app, rt := setup(t, config.Default(), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	resp, body := get(t, app, "/proxy?url=https://vidsrc.xyz/embed/1")

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Failed to fetch content"}`, body)
	assert.Equal(t, int32(1), rt.calls.Load())

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "upstream_fetch", entry.Data["code"])
	assert.Equal(t, true, entry.Data["retryable"])
}

func TestProxyFrameBypassStripsFramingHeaders(t *testing.T) {
	cfg := config.Default()
	cfg.FrameBypass.Enabled = true

	srv := httptest.NewServer(page(`<html><head></head><body></body></html>`))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	p, err := embedproxy.New(cfg, embedproxy.WithTransport(&rewriteTransport{target: u}))
	require.NoError(t, err)

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "SAMEORIGIN")
		c.Set("Content-Security-Policy", "frame-ancestors 'self'")
		return c.Next()
	})
	app.Get("/proxy", ProxySite(p))

	resp, body := get(t, app, "/proxy?url=https://vidsrc.xyz/embed/1")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Frame-Options"))
	assert.Empty(t, resp.Header.Get("Content-Security-Policy"))
	assert.Contains(t, body, `data-embedproxy="frame-bypass"`)
}

func TestHealthAndMetrics(t *testing.T) {
	app, _ := setup(t, config.Default(), page("<p>x</p>"))

	resp, body := get(t, app, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)

	get(t, app, "/proxy?url=https://vidsrc.xyz/embed/1")
	resp, body = get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "embedproxy_requests_total")
}
