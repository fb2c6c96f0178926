package offline0

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Strategy is how a request is answered.
type Strategy int

const (
	// Passthrough goes to the network only; nothing is cached or synthesized.
	Passthrough Strategy = iota
	CacheFirst
	NetworkFirst
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	default:
		return "passthrough"
	}
}

// hostPattern matches "host", "*.suffix" or either followed by a path prefix,
// e.g. "accounts.example.com/oauth".
type hostPattern struct {
	host       string
	wildcard   bool
	pathPrefix string
}

func parseHostPattern(expr string) (hostPattern, error) {
	expr = strings.TrimSpace(expr)
	for _, scheme := range []string{"https://", "http://"} {
		if len(expr) >= len(scheme) && strings.EqualFold(expr[:len(scheme)], scheme) {
			expr = expr[len(scheme):]
			break
		}
	}
	if expr == "" {
		return hostPattern{}, fmt.Errorf("empty pattern")
	}
	var p hostPattern
	host := expr
	if i := strings.IndexByte(expr, '/'); i >= 0 {
		host, p.pathPrefix = expr[:i], expr[i:]
	}
	if strings.HasPrefix(host, "*.") {
		p.wildcard = true
		host = host[1:]
	}
	if host == "" || host == "." || strings.Contains(host, "*") {
		return hostPattern{}, fmt.Errorf("invalid host in %q", expr)
	}
	// Hosts are case-insensitive; paths are not.
	p.host = strings.ToLower(host)
	return p, nil
}

func (p hostPattern) Match(u *url.URL) bool {
	h := strings.ToLower(u.Hostname())
	if p.wildcard {
		if !strings.HasSuffix(h, p.host) {
			return false
		}
	} else if h != p.host && strings.ToLower(u.Host) != p.host {
		return false
	}
	return p.pathPrefix == "" || underPath(u.EscapedPath(), p.pathPrefix)
}

// underPath reports whether path is prefix or lies below it on a segment
// boundary, so /oauth covers /oauth/token but not /oauthx.
func underPath(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}

// Classifier maps a request identity (method + URL) to a Strategy. It never
// looks at headers or body.
type Classifier struct {
	volatile []hostPattern
}

func NewClassifier(volatile []hostPattern) *Classifier {
	return &Classifier{volatile: volatile}
}

func (c *Classifier) Classify(method string, u *url.URL) Strategy {
	if !isReadOnly(method) {
		return Passthrough
	}
	for _, p := range c.volatile {
		if p.Match(u) {
			return NetworkFirst
		}
	}
	return CacheFirst
}

func isReadOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// isNavigation reports whether a failed request should get the offline
// document rather than a bare unavailable response.
func isNavigation(r *http.Request, u *url.URL) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "text/html") {
		return true
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".html", ".htm":
		return true
	case "":
		return accept == ""
	}
	return false
}
