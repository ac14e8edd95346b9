package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"agentmesh/knowledgeservice/internal/domain"
)

// StatusError classifies a non-200 backend response. 429 marks the provider
// rate limited, 5xx is treated as transient, anything else means the backend
// cannot serve this call.
func StatusError(name string, resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	detail := strings.TrimSpace(string(body))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s HTTP 429: %s", domain.ErrRateLimited, name, detail)
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s HTTP %d: %s", domain.ErrNetwork, name, resp.StatusCode, detail)
	default:
		return fmt.Errorf("%w: %s HTTP %d: %s", domain.ErrProviderUnavailable, name, resp.StatusCode, detail)
	}
}

// TransportError classifies a failed round trip or body read.
func TransportError(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %s", domain.ErrTimeout, name, err)
	}
	return fmt.Errorf("%w: %s: %s", domain.ErrNetwork, name, err)
}
