// Package ocr wraps the OCR sidecar used for scanned images and PDF
// figures. The sidecar accepts raw image bytes and returns plain text.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Client extracts text from an image. Implementations must be safe for
// concurrent use.
type Client interface {
	// Recognize returns the text found in the image, empty when nothing
	// was recognized.
	Recognize(ctx context.Context, image []byte) (string, error)
}

// HTTPClient posts image bytes to an OCR service (e.g. a tesseract
// sidecar) and decodes `{"text": "..."}` responses.
type HTTPClient struct {
	baseURL string
	lang    string
	http    *http.Client
}

// NewHTTPClient constructs an OCR client for the given endpoint.
func NewHTTPClient(baseURL, lang string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{baseURL: baseURL, lang: lang, http: httpClient}
}

type ocrResp struct {
	Text string `json:"text"`
}

// Recognize sends the image to the sidecar.
func (c *HTTPClient) Recognize(ctx context.Context, image []byte) (string, error) {
	url := c.baseURL
	if c.lang != "" {
		url += "?lang=" + c.lang
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(image))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ocr error: %s: %s", resp.Status, string(b))
	}
	var out ocrResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ocr decode: %w", err)
	}
	return out.Text, nil
}

// Static returns a fixed text for every image; used in tests.
type Static struct {
	Text string
	Err  error
}

func (s Static) Recognize(_ context.Context, _ []byte) (string, error) {
	return s.Text, s.Err
}

// Disabled is an OCR client that always returns empty text, for
// deployments without an OCR sidecar.
type Disabled struct{}

func (Disabled) Recognize(_ context.Context, _ []byte) (string, error) { return "", nil }
