package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/waveecore/waveecore/internal/ids"
	"github.com/waveecore/waveecore/internal/logging"
)

// HeadFileClient fetches the pre-decrypted head blob that lets playback
// start before the full chunked download has anything cached.
type HeadFileClient struct {
	httpClient *http.Client
	host       string // e.g. "heads-fa.example-service.com"
}

// NewHeadFileClient builds a client targeting host (no scheme, no path).
func NewHeadFileClient(host string, httpClient *http.Client) *HeadFileClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HeadFileClient{httpClient: httpClient, host: host}
}

// Fetch retrieves the raw head blob for fileID, classifying 404/5xx/network
// failures into the download error taxonomy.
func (c *HeadFileClient) Fetch(ctx context.Context, fileID ids.FileID) ([]byte, error) {
	url := fmt.Sprintf("https://%s/head/%s", c.host, fileID.ToBase16())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newErr(KindNetworkError, 0, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newErr(KindNetworkError, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, newErr(KindNotFound, resp.StatusCode, nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newErr(KindHTTPError, resp.StatusCode, nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newErr(KindNetworkError, 0, err)
	}
	return body, nil
}

// TryFetch is the non-throwing variant: any failure is logged and yields a
// nil slice rather than an error.
func (c *HeadFileClient) TryFetch(ctx context.Context, fileID ids.FileID) []byte {
	body, err := c.Fetch(ctx, fileID)
	if err != nil {
		logging.For("download.headfile").Debug("head-file fetch failed", "file_id", fileID.ToBase16(), "error", err)
		return nil
	}
	return body
}
