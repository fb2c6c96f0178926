package offline0

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/store"
)

func Test_Engine_Serves_Cached_Bytes_When_Generation_Holds_Entry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v1", map[string]string{"/css/main.css": "body{color:red}"})
	env.fetcher.setOffline(true)

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/css/main.css", nil))

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "body{color:red}", string(resp.Body))
	assert.Equal(t, decisionHit, resp.Decision)
	assert.Zero(t, env.fetcher.totalCalls())
}

func Test_Engine_Caches_Miss_Then_Serves_Hit_When_Requested_Again(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v1", nil)
	env.fetcher.serve(testOrigin+"/css/main.css", http.StatusOK, "text/css", "a{}")

	first := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/css/main.css", nil))
	require.Equal(t, decisionMiss, first.Decision)
	require.Equal(t, "a{}", string(first.Body))
	require.NoError(t, env.store.Flush())

	second := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/css/main.css", nil))
	assert.Equal(t, decisionHit, second.Decision)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, "text/css", second.Header.Get("Content-Type"))
	assert.Equal(t, 1, env.fetcher.callCount(testOrigin+"/css/main.css"))
	assert.Equal(t, 1, env.store.EntryCount("v1"))
}

func Test_Engine_Shares_One_Fetch_When_Misses_Overlap(t *testing.T) {
	t.Parallel()
	const callers = 8
	env := newTestEnv(t, nil)
	env.activate(t, "v1", nil)
	env.fetcher.serve(testOrigin+"/css/main.css", http.StatusOK, "text/css", "a{}")
	env.fetcher.gate = make(chan struct{})
	env.fetcher.entered = make(chan struct{}, callers)

	results := make([]Response, callers)
	var done sync.WaitGroup

	// The first caller owns the shared fetch and goes away before it ends.
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	done.Add(1)
	go func() {
		defer done.Done()
		results[0] = env.worker.engine.Handle(firstCtx, httptest.NewRequest(http.MethodGet, "/css/main.css", nil))
	}()
	<-env.fetcher.entered
	cancelFirst()

	var started sync.WaitGroup
	for i := 1; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i] = env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/css/main.css", nil))
		}(i)
	}
	started.Wait()
	// Give the waiters time to join the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(env.fetcher.gate)
	done.Wait()

	for i, res := range results {
		assert.Equal(t, http.StatusOK, res.Status, "caller %d", i)
		assert.Equal(t, "a{}", string(res.Body), "caller %d", i)
		assert.Equal(t, decisionMiss, res.Decision, "caller %d", i)
	}
	assert.Equal(t, 1, env.fetcher.callCount(testOrigin+"/css/main.css"))
	require.NoError(t, env.store.Flush())
	assert.Equal(t, 1, env.store.EntryCount("v1"))
}

func Test_Engine_Does_Not_Cache_When_Response_Is_Not_Success(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v1", nil)

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/missing.js", nil))
	require.NoError(t, env.store.Flush())

	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, decisionNetwork, resp.Decision)
	assert.Zero(t, env.store.EntryCount("v1"))
}

func Test_Engine_Does_Not_Cache_When_Host_Not_Allowed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v1", nil)
	env.fetcher.serve("http://cdn.other/lib.js", http.StatusOK, "text/javascript", "x()")

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "http://cdn.other/lib.js", nil))
	require.NoError(t, env.store.Flush())

	assert.Equal(t, decisionNetwork, resp.Decision)
	assert.Equal(t, "x()", string(resp.Body))
	assert.Zero(t, env.store.EntryCount("v1"))
}

func Test_Engine_Caches_Cross_Origin_When_Host_Allowed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.Cache.AllowedOrigins = []string{"https://fonts.test"} })
	env.activate(t, "v1", nil)
	env.fetcher.serve("http://fonts.test/a.woff2", http.StatusOK, "font/woff2", "font")

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "http://fonts.test/a.woff2", nil))
	require.NoError(t, env.store.Flush())

	assert.Equal(t, decisionMiss, resp.Decision)
	assert.Equal(t, 1, env.store.EntryCount("v1"))
}

func Test_Engine_Does_Not_Cache_When_Response_Says_No_Store(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v1", nil)
	env.fetcher.serve(testOrigin+"/me", http.StatusOK, "application/json", "{}")
	env.fetcher.routes[testOrigin+"/me"].Header.Set("Cache-Control", "private, no-store")

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/me", nil))
	require.NoError(t, env.store.Flush())

	assert.Equal(t, decisionNetwork, resp.Decision)
	assert.Zero(t, env.store.EntryCount("v1"))
}

func Test_Engine_Does_Not_Cache_When_No_Generation_Active(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.fetcher.serve(testOrigin+"/a.js", http.StatusOK, "text/javascript", "a")

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/a.js", nil))

	assert.Equal(t, decisionNetwork, resp.Decision)
	assert.Equal(t, "a", string(resp.Body))
}

func Test_Engine_Returns_Offline_JSON_When_Volatile_Fetch_Fails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.Cache.Volatile = []string{"api.test"} })
	env.activate(t, "v1", nil)
	// A stale copy must never be served for a volatile endpoint.
	require.NoError(t, env.store.Put("v1", store.RequestKey(http.MethodGet, "http://api.test/v1/feed"), store.Entry{
		Status: http.StatusOK, Header: http.Header{}, Body: []byte("stale"),
	}))
	env.fetcher.setOffline(true)

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "http://api.test/v1/feed", nil))

	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.NotContains(t, string(resp.Body), "stale")

	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "offline", body["error"])
	assert.Equal(t, "http://api.test/v1/feed", body["url"])
}

func Test_Engine_Never_Caches_When_Volatile_Fetch_Succeeds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.Cache.Volatile = []string{testOrigin + "/api"} })
	env.activate(t, "v1", nil)
	env.fetcher.serve(testOrigin+"/api/feed", http.StatusOK, "application/json", `{"n":1}`)

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/api/feed", nil))
	require.NoError(t, env.store.Flush())

	assert.Equal(t, decisionNetwork, resp.Decision)
	assert.Equal(t, `{"n":1}`, string(resp.Body))
	assert.Zero(t, env.store.EntryCount("v1"))
}

func Test_Engine_Forwards_Body_When_Method_Writes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v1", nil)
	env.fetcher.serve(testOrigin+"/api/reports", http.StatusCreated, "application/json", `{"ok":true}`)

	req := httptest.NewRequest(http.MethodPost, "/api/reports", strings.NewReader(`{"title":"flood"}`))
	resp := env.worker.engine.Handle(context.Background(), req)
	require.NoError(t, env.store.Flush())

	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, decisionBypass, resp.Decision)
	assert.Equal(t, `{"title":"flood"}`, string(env.fetcher.bodies[testOrigin+"/api/reports"]))
	assert.Zero(t, env.store.EntryCount("v1"))
}

func Test_Engine_Returns_Bad_Gateway_When_Write_Fails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.fetcher.setOffline(true)

	resp := env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodDelete, "/api/reports/1", nil))

	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.Equal(t, decisionBadGateway, resp.Decision)
}

func Test_Engine_Serves_Cached_Offline_Page_When_Navigation_Fails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v1", map[string]string{"/offline.html": "<h1>offline</h1>"})
	env.fetcher.setOffline(true)

	req := httptest.NewRequest(http.MethodGet, "/reports/42", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp := env.worker.engine.Handle(context.Background(), req)

	assert.Equal(t, decisionOffline, resp.Decision)
	assert.Equal(t, "<h1>offline</h1>", string(resp.Body))
}

func Test_Engine_Serves_Builtin_Offline_Page_When_None_Cached(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.fetcher.setOffline(true)

	req := httptest.NewRequest(http.MethodGet, "/about.html", nil)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	resp := env.worker.engine.Handle(context.Background(), req)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, decisionOffline, resp.Decision)
	assert.Contains(t, string(resp.Body), "You are offline")
}

func Test_Engine_Returns_Unavailable_When_Subresource_Fails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v1", map[string]string{"/offline.html": "<h1>offline</h1>"})
	env.fetcher.setOffline(true)

	req := httptest.NewRequest(http.MethodGet, "/img/logo.png", nil)
	req.Header.Set("Accept", "image/avif,image/webp")
	resp := env.worker.engine.Handle(context.Background(), req)

	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, decisionUnavailable, resp.Decision)
	assert.NotContains(t, string(resp.Body), "<h1>")
}

func Test_Engine_Triggers_Sync_When_Network_Returns(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.fetcher.serve(testOrigin+"/a.js", http.StatusOK, "text/javascript", "a")

	env.fetcher.setOffline(true)
	env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/a.js", nil))
	require.False(t, env.worker.conn.Online())

	env.fetcher.setOffline(false)
	env.worker.engine.Handle(context.Background(), httptest.NewRequest(http.MethodGet, "/a.js", nil))
	require.True(t, env.worker.conn.Online())

	select {
	case reason := <-env.worker.sync.triggerCh:
		assert.Equal(t, "reconnect", reason)
	default:
		t.Fatal("expected a reconnect trigger")
	}
}

func Test_WriteResponse_Sets_Decision_Header_When_Writing(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Access-Control-Expose-Headers", "ETag")
	h.Set(offlineHeader, "forged")

	rec := httptest.NewRecorder()
	writeResponse(rec, Response{Status: http.StatusOK, Header: h, Body: []byte("ok"), Decision: decisionHit})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, decisionHit, rec.Header().Get(offlineHeader))
	assert.Equal(t, "ETag, X-Offline0", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Equal(t, "ok", rec.Body.String())
}
