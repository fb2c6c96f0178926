package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// resolveManifest returns the absolute URLs a generation must hold before it
// can be activated: the static manifest followed by sitemap discoveries.
func (l *Lifecycle) resolveManifest(ctx context.Context) ([]*url.URL, error) {
	seen := map[string]struct{}{}
	var out []*url.URL
	add := func(u *url.URL) {
		s := u.String()
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, u)
	}

	for _, ref := range l.cfg.Lifecycle.Manifest {
		u, err := l.cfg.resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", ref, err)
		}
		add(u)
	}

	discovered, err := l.discoverSitemapURLs(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range discovered {
		add(u)
	}
	return out, nil
}

func (l *Lifecycle) discoverSitemapURLs(ctx context.Context) ([]*url.URL, error) {
	var queue []string
	for _, sm := range l.cfg.Lifecycle.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	seen := map[string]struct{}{}
	var out []*url.URL
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ref := queue[0]
		queue = queue[1:]

		smURL, err := l.cfg.resolve(ref)
		if err != nil {
			return nil, fmt.Errorf("sitemap %q: %w", ref, err)
		}
		if _, ok := seen[smURL.String()]; ok {
			continue
		}
		seen[smURL.String()] = struct{}{}

		doc, err := l.fetchSitemap(ctx, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		queue = append(queue, doc.Sitemaps...)

		ignored := 0
		for _, loc := range doc.URLs {
			u, err := l.cfg.resolve(loc)
			if err != nil {
				ignored++
				continue
			}
			if _, ok := l.cfg.Cache.allowed[strings.ToLower(u.Host)]; !ok {
				ignored++
				continue
			}
			out = append(out, u)
		}
		l.log.Info("sitemap discovered",
			zap.String("sitemap", smURL.String()),
			zap.Int("urls", len(doc.URLs)),
			zap.Int("ignored", ignored))
	}
	return out, nil
}

func (l *Lifecycle) fetchSitemap(ctx context.Context, u *url.URL) (sitemapDoc, error) {
	fctx, cancel := context.WithTimeout(ctx, l.cfg.Server.fetchTimeoutDur)
	defer cancel()
	req, err := http.NewRequestWithContext(fctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	ent, err := l.fetcher.Fetch(fctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return sitemapDoc{}, fmt.Errorf("unexpected status %d", ent.Status)
	}

	body := ent.Body
	// Some servers send .gz sitemaps without Content-Encoding.
	if strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
