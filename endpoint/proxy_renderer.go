package endpoint

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// ProxyRenderer forwards the incoming request to an upstream through a
// configured ReverseProxy.
type ProxyRenderer struct {
	Proxy *httputil.ReverseProxy
}

// NewProxyRenderer returns a ProxyRenderer for targetURL, which must be an
// absolute URL from configuration, never from request input.
//
// rewrite, if non-nil, runs after the outbound request has been pointed at the
// target. It is where per-request headers are added or stripped.
func NewProxyRenderer(targetURL string, rewrite func(*httputil.ProxyRequest)) (*ProxyRenderer, error) {
	if targetURL == "" {
		return nil, errors.New("endpoint: target URL is required")
	}
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("endpoint: invalid target URL: %w", err)
	}
	if !target.IsAbs() {
		return nil, errors.New("endpoint: target URL must be absolute")
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			if rewrite != nil {
				rewrite(pr)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			WriteError(w, CodedError(http.StatusBadGateway, "upstream_unavailable", "upstream unavailable", err))
		},
	}
	return &ProxyRenderer{Proxy: proxy}, nil
}

// Render implements Renderer.
func (p *ProxyRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	if p.Proxy == nil {
		return errors.New("endpoint: ProxyRenderer.Proxy is nil")
	}
	p.Proxy.ServeHTTP(w, r)
	return nil
}
