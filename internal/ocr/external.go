package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// presetEndpoints maps well-known OCR API names to their endpoints. A preset
// is selected when ExternalConfig.Preset is set and URL is empty.
var presetEndpoints = map[string]string{
	"google-vision": "https://vision.googleapis.com/v1/images:annotate",
	"azure-read":    "https://westeurope.api.cognitive.microsoft.com/vision/v3.2/read/analyze",
	"ocr-space":     "https://api.ocr.space/parse/image",
	"mindee":        "https://api.mindee.net/v1/products/mindee/invoices/v4/predict",
	"nanonets":      "https://app.nanonets.com/api/v2/OCR/FullText",
	"abbyy":         "https://cloud-eu.ocrsdk.com/v2/processImage",
}

// ExternalConfig configures the HTTP OCR driver.
type ExternalConfig struct {
	URL      string
	Preset   string
	APIKey   string
	Timeout  time.Duration
	MockText string // returned verbatim for mock:// URLs
}

// ExternalDriver posts document bytes to a remote OCR API and reads back the
// recognized text. The mock:// scheme short-circuits to MockText for tests.
type ExternalDriver struct {
	cfg    ExternalConfig
	client *http.Client
	logger *zap.Logger
}

// NewExternalDriver creates an HTTP OCR driver.
func NewExternalDriver(cfg ExternalConfig, logger *zap.Logger) *ExternalDriver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.URL == "" && cfg.Preset != "" {
		cfg.URL = presetEndpoints[cfg.Preset]
	}
	return &ExternalDriver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type externalRequest struct {
	Base64   string `json:"base64"`
	FileType string `json:"fileType"`
	FileName string `json:"fileName"`
}

type externalResponse struct {
	Text    string `json:"text"`
	RawText string `json:"rawText"`
}

// Recognize sends the document and returns the recognized text.
func (d *ExternalDriver) Recognize(ctx context.Context, content []byte, fileType, fileName string) (string, error) {
	if strings.HasPrefix(d.cfg.URL, "mock://") {
		return d.cfg.MockText, nil
	}
	if d.cfg.URL == "" {
		return "", fmt.Errorf("external OCR endpoint not configured")
	}

	body, err := json.Marshal(externalRequest{
		Base64:   base64.StdEncoding.EncodeToString(content),
		FileType: fileType,
		FileName: fileName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode OCR request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("OCR request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("OCR API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed externalResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode OCR response: %w", err)
	}
	if parsed.Text != "" {
		return parsed.Text, nil
	}
	return parsed.RawText, nil
}
