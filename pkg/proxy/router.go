package proxy

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/lkarlslund/tokenmeter/pkg/config"
)

// BackendTarget maps a path prefix to a backend base URL. An empty Prefix
// is the single-backend catch-all and forwards paths without rewriting.
type BackendTarget struct {
	Prefix  string
	BaseURL *url.URL
}

func (t BackendTarget) Label() string {
	if t.Prefix == "" {
		return "default"
	}
	return t.Prefix
}

// Router is built once at startup and is read-only afterwards.
type Router struct {
	targets  []BackendTarget
	fallback *BackendTarget
}

func NewRouter(cfg config.ServerConfig) (*Router, error) {
	r := &Router{}
	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.Prefix, err)
		}
		r.targets = append(r.targets, BackendTarget{Prefix: rc.Prefix, BaseURL: u})
	}
	// Longest prefix first so the first match wins.
	sort.SliceStable(r.targets, func(i, j int) bool {
		return len(r.targets[i].Prefix) > len(r.targets[j].Prefix)
	})
	if cfg.BackendURL != "" {
		u, err := url.Parse(cfg.BackendURL)
		if err != nil {
			return nil, fmt.Errorf("backend_url: %w", err)
		}
		r.fallback = &BackendTarget{BaseURL: u}
	}
	if len(r.targets) == 0 && r.fallback == nil {
		return nil, fmt.Errorf("no backends configured")
	}
	return r, nil
}

// Resolve returns the target for path and the path to forward to it.
func (r *Router) Resolve(path string) (BackendTarget, string, bool) {
	if path == "" {
		path = "/"
	}
	for _, t := range r.targets {
		rest, ok := stripPrefix(path, t.Prefix)
		if ok {
			return t, rest, true
		}
	}
	if r.fallback != nil {
		return *r.fallback, path, true
	}
	return BackendTarget{}, "", false
}

func (r *Router) Targets() []BackendTarget {
	out := append([]BackendTarget(nil), r.targets...)
	if r.fallback != nil {
		out = append(out, *r.fallback)
	}
	return out
}

// stripPrefix matches on a path segment boundary: /phi2 matches /phi2 and
// /phi2/generate but not /phi22.
func stripPrefix(path, prefix string) (string, bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	if rest == "" {
		return "/", true
	}
	if rest[0] != '/' {
		return "", false
	}
	return rest, true
}

func (t BackendTarget) URLFor(forwardPath, rawQuery string) *url.URL {
	u := *t.BaseURL
	u.Path = joinBackendPath(u.Path, forwardPath)
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.Fragment = ""
	return &u
}

func joinBackendPath(basePath, requestPath string) string {
	basePath = strings.TrimRight(basePath, "/")
	if requestPath == "" {
		requestPath = "/"
	}
	if !strings.HasPrefix(requestPath, "/") {
		requestPath = "/" + requestPath
	}
	if basePath == "" {
		return requestPath
	}
	return basePath + requestPath
}
