package ksef

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://ksef.mf.gov.pl/api"

// RestClientConfig configures the production API client.
type RestClientConfig struct {
	BaseURL string
	// Nip scopes the incremental query to the buyer subject.
	Nip     string
	Timeout time.Duration
}

// RestClient talks to the national registry's online API. The session token
// is supplied per call; session establishment is handled outside this
// process and injected through the orchestrator.
type RestClient struct {
	cfg    RestClientConfig
	client *http.Client
	logger *zap.Logger
}

// NewRestClient creates the API client.
func NewRestClient(cfg RestClientConfig, logger *zap.Logger) *RestClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &RestClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type queryCriteria struct {
	SubjectType   string `json:"subjectType"`
	Type          string `json:"type"`
	SubjectNip    string `json:"subjectIdentifier,omitempty"`
	ThresholdFrom string `json:"acquisitionTimestampThresholdFrom,omitempty"`
}

type queryRequest struct {
	QueryCriteria queryCriteria `json:"queryCriteria"`
}

type queryResponse struct {
	InvoiceHeaderList []InvoiceMeta `json:"invoiceHeaderList"`
}

// PollNewInvoices runs the incremental metadata query, following page
// offsets until a short page.
func (c *RestClient) PollNewInvoices(ctx context.Context, q PollQuery) ([]InvoiceMeta, error) {
	const pageSize = 100

	var all []InvoiceMeta
	for offset := 0; ; offset += pageSize {
		page, err := c.queryPage(ctx, q, pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

func (c *RestClient) queryPage(ctx context.Context, q PollQuery, pageSize, offset int) ([]InvoiceMeta, error) {
	body, err := json.Marshal(queryRequest{QueryCriteria: queryCriteria{
		SubjectType:   "subject2",
		Type:          "incremental",
		SubjectNip:    c.cfg.Nip,
		ThresholdFrom: q.Since,
	}})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/online/Query/Invoice/Sync?PageSize=%d&PageOffset=%d", c.cfg.BaseURL, pageSize, offset)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("SessionToken", q.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoice query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("invoice query: status %d: %s", resp.StatusCode, raw)
	}

	var out queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("invoice query: decode: %w", err)
	}
	return out.InvoiceHeaderList, nil
}

// DownloadInvoice fetches the structured document for a reference number.
func (c *RestClient) DownloadInvoice(ctx context.Context, accessToken, reference, format string) ([]byte, error) {
	url := fmt.Sprintf("%s/online/Invoice/Get/%s", c.cfg.BaseURL, reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("SessionToken", accessToken)
	if format != "" {
		req.Header.Set("Accept", "application/"+format)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoice download %s: %w", reference, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("invoice download %s: status %d: %s", reference, resp.StatusCode, raw)
	}
	return io.ReadAll(resp.Body)
}
