package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Fetcher defines the HTTP operations used by the feed client and media downloader.
type Fetcher interface {
	// Get issues a GET with the given extra headers and returns the response body.
	// Non-2xx responses are returned as *StatusError.
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)

	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// HTTPStatus returns the response status code.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }
