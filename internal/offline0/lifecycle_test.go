package offline0

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/store"
)

func serveManifest(f *fakeFetcher, paths ...string) {
	for _, p := range paths {
		f.serve(testOrigin+p, http.StatusOK, "text/html", "page "+p)
	}
}

func Test_Lifecycle_Discards_Generation_When_Manifest_Resource_Missing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.Lifecycle.Manifest = []string{"/", "/index.html"} })
	serveManifest(env.fetcher, "/")
	env.fetcher.fail(testOrigin + "/index.html")

	err := env.worker.lifecycle.Install(context.Background(), "v1")

	require.ErrorIs(t, err, ErrProvisioning)
	assert.Empty(t, env.store.ListGenerations())
	_, ok := env.store.Active()
	assert.False(t, ok)
}

func Test_Lifecycle_Discards_Generation_When_Manifest_Resource_Not_Found(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.Lifecycle.Manifest = []string{"/", "/index.html"} })
	serveManifest(env.fetcher, "/")

	err := env.worker.lifecycle.Install(context.Background(), "v1")

	require.ErrorIs(t, err, ErrProvisioning)
	require.ErrorIs(t, err, errManifestMissing)
	assert.Empty(t, env.store.ListGenerations())
}

func Test_Lifecycle_Activates_Generation_When_Install_Succeeds(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	serveManifest(env.fetcher, "/", "/offline.html")

	require.NoError(t, env.worker.lifecycle.Start(context.Background()))

	active, ok := env.store.Active()
	require.True(t, ok)
	assert.Equal(t, "v1", active)
	assert.Equal(t, 2, env.store.EntryCount("v1"))
	assert.Equal(t, uint64(1), env.worker.lifecycle.Epoch())
	assert.Empty(t, env.worker.lifecycle.Waiting())

	ent, ok := env.store.Get("v1", store.RequestKey(http.MethodGet, testOrigin+"/offline.html"))
	require.True(t, ok)
	assert.Equal(t, "page /offline.html", string(ent.Body))
}

func Test_Lifecycle_Skips_Install_When_Version_Already_Active(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	serveManifest(env.fetcher, "/", "/offline.html")
	require.NoError(t, env.worker.lifecycle.Start(context.Background()))
	calls := env.fetcher.totalCalls()

	require.NoError(t, env.worker.lifecycle.Start(context.Background()))

	assert.Equal(t, calls, env.fetcher.totalCalls())
	assert.Equal(t, uint64(1), env.worker.lifecycle.Epoch())
}

func Test_Lifecycle_Reclaims_Previous_Generation_When_New_One_Activates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	serveManifest(env.fetcher, "/", "/offline.html")
	ctx := context.Background()

	require.NoError(t, env.worker.lifecycle.Install(ctx, "v1"))
	require.NoError(t, env.worker.lifecycle.Install(ctx, "v2"))

	active, _ := env.store.Active()
	assert.Equal(t, "v2", active)
	assert.Equal(t, []string{"v2"}, env.store.ListGenerations())
	assert.Zero(t, env.store.EntryCount("v1"))
	assert.Equal(t, uint64(2), env.worker.lifecycle.Epoch())
}

func Test_Lifecycle_Keeps_Serving_Previous_Generation_When_Upgrade_Fails(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	serveManifest(env.fetcher, "/", "/offline.html")
	ctx := context.Background()
	require.NoError(t, env.worker.lifecycle.Install(ctx, "v1"))

	env.fetcher.fail(testOrigin + "/offline.html")
	require.ErrorIs(t, env.worker.lifecycle.Install(ctx, "v2"), ErrProvisioning)

	active, _ := env.store.Active()
	assert.Equal(t, "v1", active)
	assert.Equal(t, []string{"v1"}, env.store.ListGenerations())

	env.fetcher.setOffline(true)
	resp := env.worker.engine.Handle(ctx, newGet("/offline.html"))
	assert.Equal(t, decisionHit, resp.Decision)
	assert.Equal(t, "page /offline.html", string(resp.Body))
}

func Test_Lifecycle_Waits_For_Skip_When_SkipWaiting_Disabled(t *testing.T) {
	t.Parallel()
	off := false
	env := newTestEnv(t, func(c *Config) { c.Lifecycle.SkipWaiting = &off })
	serveManifest(env.fetcher, "/", "/offline.html")

	require.NoError(t, env.worker.lifecycle.Install(context.Background(), "v1"))
	_, ok := env.store.Active()
	require.False(t, ok)
	require.Equal(t, "v1", env.worker.lifecycle.Waiting())

	require.NoError(t, env.worker.lifecycle.SkipActivation())
	active, _ := env.store.Active()
	assert.Equal(t, "v1", active)
	assert.Empty(t, env.worker.lifecycle.Waiting())

	assert.ErrorIs(t, env.worker.lifecycle.SkipActivation(), ErrNothingWaiting)
}

func Test_Lifecycle_Drops_Superseded_Waiting_Generation_When_Newer_Installs(t *testing.T) {
	t.Parallel()
	off := false
	env := newTestEnv(t, func(c *Config) { c.Lifecycle.SkipWaiting = &off })
	serveManifest(env.fetcher, "/", "/offline.html")
	ctx := context.Background()

	require.NoError(t, env.worker.lifecycle.Install(ctx, "v1"))
	require.NoError(t, env.worker.lifecycle.Install(ctx, "v2"))

	assert.Equal(t, "v2", env.worker.lifecycle.Waiting())
	assert.Equal(t, []string{"v2"}, env.store.ListGenerations())
}

func Test_Lifecycle_Reclaim_Is_Idempotent_When_Repeated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)
	env.activate(t, "v2", map[string]string{"/": "new"})
	require.NoError(t, env.store.OpenGeneration("v1"))
	require.NoError(t, env.store.MarkReady("v1"))
	require.NoError(t, env.store.OpenGeneration("v0-partial"))

	n, err := env.worker.lifecycle.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = env.worker.lifecycle.Reclaim()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"v2"}, env.store.ListGenerations())
}

func Test_Lifecycle_Provisions_Sitemap_URLs_When_Configured(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(c *Config) { c.Lifecycle.Sitemaps = []string{"/sitemap.xml"} })
	serveManifest(env.fetcher, "/", "/offline.html", "/reports.html", "/map.html")
	env.fetcher.serve(testOrigin+"/sitemap.xml", http.StatusOK, "application/xml", `<?xml version="1.0"?>
<urlset>
  <url><loc>`+testOrigin+`/reports.html</loc></url>
  <url><loc>http://elsewhere.test/ignored.html</loc></url>
  <url><loc> `+testOrigin+`/ </loc></url>
</urlset>`)
	env.fetcher.serve(testOrigin+"/sitemap-index.xml", http.StatusOK, "application/xml", `<sitemapindex>
  <sitemap><loc>/sitemap-map.xml</loc></sitemap>
</sitemapindex>`)
	env.fetcher.serve(testOrigin+"/sitemap-map.xml", http.StatusOK, "application/xml", `<urlset><url><loc>/map.html</loc></url></urlset>`)
	env.cfg.Lifecycle.Sitemaps = append(env.cfg.Lifecycle.Sitemaps, "/sitemap-index.xml")

	require.NoError(t, env.worker.lifecycle.Install(context.Background(), "v1"))

	assert.Equal(t, 4, env.store.EntryCount("v1"))
	_, ok := env.store.Get("v1", store.RequestKey(http.MethodGet, testOrigin+"/map.html"))
	assert.True(t, ok)
	assert.Zero(t, env.fetcher.callCount("http://elsewhere.test/ignored.html"))
}

func newGet(target string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, target, nil)
	return req
}
