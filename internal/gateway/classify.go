// Package gateway classifies admitted requests and forwards them to the
// upstream URL-shortening service.
package gateway

import (
	"net/http"
	"strings"

	"github.com/sundayezeilo/tokengate/internal/ratelimit"
)

// Classifier returns the cost-class function used by the admission
// middleware: POST to shortenPath is ShortenURL, everything else Standard.
func Classifier(shortenPath string) func(*http.Request) ratelimit.CostClass {
	shortenPath = normalizePath(shortenPath)
	return func(r *http.Request) ratelimit.CostClass {
		return Classify(r.Method, r.URL.Path, shortenPath)
	}
}

// Classify maps a method and path to a cost class.
func Classify(method, path, shortenPath string) ratelimit.CostClass {
	if method == http.MethodPost && normalizePath(path) == normalizePath(shortenPath) {
		return ratelimit.ShortenURL
	}
	return ratelimit.Standard
}

func normalizePath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}
