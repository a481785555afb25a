package payload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"computeswarm/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Source supplies the agent payload transferred to every instance
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// NewSource returns an HTTP source for http(s) URLs and a file source for
// everything else.
func NewSource(ref string) Source {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return NewHTTPSource(ref)
	}
	return &FileSource{Path: ref}
}

// FileSource reads the payload from the local filesystem
type FileSource struct {
	Path string
}

// Fetch reads the payload file
func (s *FileSource) Fetch(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent payload: %w", err)
	}
	return data, nil
}

// HTTPSource downloads the payload over HTTP with retries
type HTTPSource struct {
	URL    string
	client *retryablehttp.Client
}

// NewHTTPSource creates an HTTP payload source
func NewHTTPSource(url string) *HTTPSource {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.Logger = nil
	return &HTTPSource{URL: url, client: client}
}

// Fetch downloads the payload
func (s *HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download agent payload: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.Logger().Warn("failed to close payload response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d downloading agent payload", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent payload body: %w", err)
	}

	logging.Logger().Debug("Agent payload downloaded",
		zap.String("url", s.URL),
		zap.Int("size_bytes", len(data)))
	return data, nil
}
