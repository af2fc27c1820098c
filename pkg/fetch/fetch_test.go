package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andesco/embedproxy/pkg/config"
	"github.com/andesco/embedproxy/pkg/proxyerr"
)

func testConfig() config.Fetch {
	cfg := config.Default().Fetch
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestFetchSuccess(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	body, err := New(testConfig()).Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "<html><body>ok</body></html>", body)
	assert.Equal(t, config.DefaultUserAgent, gotUA)
	assert.Contains(t, gotAccept, "text/html")
}

func TestFetchNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(testConfig()).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, proxyerr.UpstreamFetchError, proxyerr.KindOf(err))
	assert.ErrorContains(t, err, "502")
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond

	_, err := New(cfg).Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, proxyerr.UpstreamFetchError, proxyerr.KindOf(err))
}

func TestFetchCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(testConfig()).Fetch(ctx, srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetchTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 16

	_, err := New(cfg).Fetch(context.Background(), srv.URL)
	assert.ErrorContains(t, err, "content too large")
}

func TestFetchRedirectCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/elsewhere", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("landed"))
	}))
	defer srv.Close()

	blocked := errors.New("redirect blocked")
	f := New(testConfig(), WithRedirectCheck(func(u *url.URL) error {
		if u.Path == "/elsewhere" {
			return blocked
		}
		return nil
	}))

	_, err := f.Fetch(context.Background(), srv.URL+"/start")
	require.Error(t, err)
	assert.ErrorIs(t, err, blocked)

	body, err := New(testConfig()).Fetch(context.Background(), srv.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, "landed", body)
}
