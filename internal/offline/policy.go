package offline

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HeaderCache reports how an intercepted response was produced.
const HeaderCache = "X-Cache"

// Settings describe one cache generation and the policy applied with it.
// The version tag must change whenever the seeds or the policy change.
type Settings struct {
	// Version names the cache generation.
	Version string
	// SeedURLs are absolute URLs fetched and stored at install time.
	SeedURLs []string
	// ExcludedPaths are URL substrings that are never intercepted.
	ExcludedPaths []string
	// ShellPath is the document served for uncached navigations.
	ShellPath string
}

// DefaultExcludedPaths excludes the app's own data API.
var DefaultExcludedPaths = []string{"/api/"}

const defaultShellPath = "/"

func (s Settings) withDefaults() Settings {
	if s.ExcludedPaths == nil {
		s.ExcludedPaths = DefaultExcludedPaths
	}
	if s.ShellPath == "" {
		s.ShellPath = defaultShellPath
	}
	return s
}

// Validate checks that the settings can drive a controller
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Version) == "" {
		return fmt.Errorf("version tag is required")
	}
	if len(s.SeedURLs) == 0 {
		return fmt.Errorf("at least one seed URL is required")
	}
	for _, raw := range s.SeedURLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid seed URL %q: %w", raw, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("seed URL %q must be an absolute http(s) URL", raw)
		}
	}
	if !strings.HasPrefix(s.ShellPath, "/") {
		return fmt.Errorf("shell path %q must start with /", s.ShellPath)
	}
	return nil
}

// Equal reports whether both settings describe the same generation and policy
func (s Settings) Equal(other Settings) bool {
	a, b := s.withDefaults(), other.withDefaults()
	return a.Version == b.Version &&
		a.ShellPath == b.ShellPath &&
		equalStrings(a.SeedURLs, b.SeedURLs) &&
		equalStrings(a.ExcludedPaths, b.ExcludedPaths)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// intercepts reports whether a request is eligible for the cache policy.
// Mutating calls and live data calls always go straight to the network.
func (s Settings) intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	target := req.URL.String()
	for _, excluded := range s.ExcludedPaths {
		if excluded != "" && strings.Contains(target, excluded) {
			return false
		}
	}
	return true
}

// IsNavigation reports whether the request loads a top-level document rather
// than a sub-resource.
func IsNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	for _, accept := range req.Header.Values("Accept") {
		if strings.Contains(strings.ToLower(accept), "text/html") {
			return true
		}
	}
	return false
}

// shellRequest builds the request for the shell document on the same site as req
func (s Settings) shellRequest(req *http.Request) (*http.Request, error) {
	shell := *req.URL
	shell.Path = s.ShellPath
	shell.RawPath = ""
	shell.RawQuery = ""
	shell.Fragment = ""
	if shell.Host == "" {
		shell.Host = req.Host
	}
	return http.NewRequestWithContext(req.Context(), http.MethodGet, shell.String(), nil)
}

// offlineResponse is returned for sub-resources that are neither reachable nor cached
func offlineResponse(req *http.Request) *http.Response {
	body := "Offline"
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable)),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
