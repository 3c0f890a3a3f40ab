package readiness

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
)

// HTTPConnector reaches ready to pay services exposed over HTTP. Each
// package is mapped to a base URL and the service name is appended as a
// path segment.
type HTTPConnector struct {
	client *resty.Client

	mu        sync.RWMutex
	endpoints map[string]string
}

var _ Connector = (*HTTPConnector)(nil)

// NewHTTPConnector creates a connector for the given package to base URL
// mapping.
func NewHTTPConnector(endpoints map[string]string) *HTTPConnector {
	c := &HTTPConnector{
		client:    resty.New(),
		endpoints: make(map[string]string, len(endpoints)),
	}
	c.client.SetHeader("Content-Type", "application/json")
	for pkg, base := range endpoints {
		c.endpoints[pkg] = base
	}
	return c
}

// SetEndpoint maps packageName to baseURL.
func (c *HTTPConnector) SetEndpoint(packageName, baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endpoints[packageName] = baseURL
}

func (c *HTTPConnector) Call(ctx context.Context, packageName, service string, req *Request) (*Response, error) {
	c.mu.RLock()
	base, ok := c.endpoints[packageName]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no endpoint for package %q", packageName)
	}

	var out Response
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(strings.TrimRight(base, "/") + "/" + service)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusServiceUnavailable:
		return nil, ErrServiceUnavailable
	case resp.IsError():
		return nil, fmt.Errorf("ready to pay service returned %d", resp.StatusCode())
	}
	return &out, nil
}
