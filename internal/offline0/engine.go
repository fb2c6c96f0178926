package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"offline0/internal/store"
)

var ErrFetch = errors.New("fetch failed")

// Fetcher performs the network leg of a request.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (store.Entry, error)
}

type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher() *httpFetcher {
	return &httpFetcher{client: &http.Client{
		// Redirects go back to the client untouched and are never cached.
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

func (f *httpFetcher) Fetch(ctx context.Context, req *http.Request) (store.Entry, error) {
	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return store.Entry{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return store.Entry{}, fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}
	ent := store.Entry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Response is what the engine hands back to the client.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Decision string
}

func fromEntry(ent store.Entry, decision string) Response {
	return Response{Status: ent.Status, Header: ent.Header, Body: ent.Body, Decision: decision}
}

// Engine decides, per request, whether to answer from the active cache
// generation or the network, and synthesizes fallbacks when both fail.
type Engine struct {
	log        *zap.Logger
	store      *store.Store
	fetcher    Fetcher
	classifier *Classifier

	origin       string
	allowed      map[string]struct{}
	offlineKey   string
	entryMax     int64
	fetchTimeout time.Duration

	// onNetwork observes whether the network leg succeeded.
	onNetwork func(ok bool)

	group singleflight.Group
}

func newEngine(cfg *Config, st *store.Store, f Fetcher, log *zap.Logger) *Engine {
	offline, _ := cfg.resolve(cfg.Cache.OfflinePage)
	return &Engine{
		log:          log,
		store:        st,
		fetcher:      f,
		classifier:   NewClassifier(cfg.Cache.volatile),
		origin:       cfg.Server.Origin,
		allowed:      cfg.Cache.allowed,
		offlineKey:   store.RequestKey(http.MethodGet, offline.String()),
		entryMax:     cfg.Storage.entryMax,
		fetchTimeout: cfg.Server.fetchTimeoutDur,
	}
}

// Handle answers one request. It never returns an error: every failure is
// turned into a synthesized response.
func (e *Engine) Handle(ctx context.Context, r *http.Request) Response {
	target, err := e.target(r)
	if err != nil {
		return textResponse(http.StatusBadRequest, "bad request", decisionBypass)
	}
	switch e.classifier.Classify(r.Method, target) {
	case CacheFirst:
		return e.cacheFirst(ctx, r, target)
	case NetworkFirst:
		return e.networkFirst(ctx, r, target)
	default:
		return e.passthrough(ctx, r, target)
	}
}

// target resolves origin-form requests against the origin; absolute-form
// requests (forward proxy use) are fetched as-is.
func (e *Engine) target(r *http.Request) (*url.URL, error) {
	if r.URL.IsAbs() {
		u := *r.URL
		u.Fragment = ""
		return &u, nil
	}
	return url.Parse(e.origin + r.URL.RequestURI())
}

type fetchResult struct {
	ent    store.Entry
	cached bool
}

func (e *Engine) cacheFirst(ctx context.Context, r *http.Request, target *url.URL) Response {
	key := store.RequestKey(r.Method, target.String())
	if ent, _, ok := e.store.Lookup(key); ok {
		return fromEntry(ent, decisionHit)
	}

	// Concurrent misses share one fetch. It is detached from the first
	// caller's cancellation so the others are not failed by it.
	v, err, _ := e.group.Do(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.fetchTimeout)
		defer cancel()
		req, err := e.outbound(fctx, r, target, false)
		if err != nil {
			return nil, err
		}
		ent, err := e.fetcher.Fetch(fctx, req)
		if err != nil {
			return nil, err
		}
		if !e.cacheable(target, ent) {
			return fetchResult{ent: ent}, nil
		}
		return fetchResult{ent: ent, cached: e.populate(key, ent)}, nil
	})
	e.observeNetwork(err)
	if err != nil {
		e.log.Debug("cache miss and network failed", zap.String("url", target.String()), zap.Error(err))
		return e.offlineFallback(r, target)
	}
	res := v.(fetchResult)
	if res.cached {
		return fromEntry(res.ent, decisionMiss)
	}
	return fromEntry(res.ent, decisionNetwork)
}

// populate hands the entry to the store's writer without waiting for it.
func (e *Engine) populate(key string, ent store.Entry) bool {
	tag, ok := e.store.Active()
	if !ok {
		e.log.Debug("no active generation, not caching", zap.String("key", key))
		return false
	}
	e.store.PutAsync(tag, key, ent)
	return true
}

func (e *Engine) networkFirst(ctx context.Context, r *http.Request, target *url.URL) Response {
	fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	req, err := e.outbound(fctx, r, target, false)
	if err != nil {
		return textResponse(http.StatusBadRequest, "bad request", decisionBypass)
	}
	ent, err := e.fetcher.Fetch(fctx, req)
	e.observeNetwork(err)
	if err != nil {
		e.log.Debug("network-first fetch failed", zap.String("url", target.String()), zap.Error(err))
		return offlineJSON(target)
	}
	return fromEntry(ent, decisionNetwork)
}

func (e *Engine) passthrough(ctx context.Context, r *http.Request, target *url.URL) Response {
	fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()
	req, err := e.outbound(fctx, r, target, true)
	if err != nil {
		return textResponse(http.StatusBadRequest, "bad request", decisionBypass)
	}
	ent, err := e.fetcher.Fetch(fctx, req)
	e.observeNetwork(err)
	if err != nil {
		e.log.Debug("passthrough fetch failed", zap.String("method", r.Method), zap.String("url", target.String()), zap.Error(err))
		return textResponse(http.StatusBadGateway, "bad gateway", decisionBadGateway)
	}
	return fromEntry(ent, decisionBypass)
}

func (e *Engine) outbound(ctx context.Context, r *http.Request, target *url.URL, withBody bool) (*http.Request, error) {
	var body io.Reader
	if withBody && r.Body != nil {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	if withBody {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

// cacheable admits only clean, success-class, same-origin (or explicitly
// allowed) responses within the entry size limit.
func (e *Engine) cacheable(target *url.URL, ent store.Entry) bool {
	if ent.Status < 200 || ent.Status >= 300 || ent.Status == http.StatusPartialContent {
		return false
	}
	if _, ok := e.allowed[strings.ToLower(target.Host)]; !ok {
		return false
	}
	if e.entryMax > 0 && int64(len(ent.Body)) > e.entryMax {
		return false
	}
	cc := strings.ToLower(ent.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
		return false
	}
	return strings.TrimSpace(ent.Header.Get("Vary")) != "*"
}

func (e *Engine) offlineFallback(r *http.Request, target *url.URL) Response {
	if !isNavigation(r, target) {
		return textResponse(http.StatusServiceUnavailable, "offline: resource unavailable", decisionUnavailable)
	}
	if ent, _, ok := e.store.Lookup(e.offlineKey); ok {
		return fromEntry(ent, decisionOffline)
	}
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return Response{
		Status:   http.StatusServiceUnavailable,
		Header:   h,
		Body:     []byte(builtinOfflinePage),
		Decision: decisionOffline,
	}
}

func (e *Engine) observeNetwork(err error) {
	if e.onNetwork == nil {
		return
	}
	e.onNetwork(err == nil)
}

const builtinOfflinePage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline. Reports you submit are saved and will be sent when the connection returns.</p></body></html>
`

type offlineError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	URL     string `json:"url"`
}

func offlineJSON(target *url.URL) Response {
	b, _ := json.Marshal(offlineError{
		Error:   "offline",
		Message: "network unavailable",
		URL:     target.String(),
	})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return Response{Status: http.StatusServiceUnavailable, Header: h, Body: b, Decision: decisionOffline}
}

func textResponse(status int, msg, decision string) Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return Response{Status: status, Header: h, Body: []byte(msg + "\n"), Decision: decision}
}

func writeResponse(w http.ResponseWriter, resp Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, offlineHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeaders(w.Header(), resp.Decision)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

const offlineHeader = "X-Offline0"

func setOfflineHeaders(h http.Header, decision string) {
	if decision != "" {
		h.Set(offlineHeader, decision)
	}
	// Custom headers are invisible to browser JS unless exposed.
	ensureExposedHeader(h, offlineHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
