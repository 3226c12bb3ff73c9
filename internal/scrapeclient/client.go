// Package scrapeclient is the thin call boundary to the external
// browser-automation scrape service.
package scrapeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/scrape"
)

// Config controls the collaborator client.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	RecordLimit int
}

// Client calls the collaborator over JSON HTTP. Any non-success response
// without an explicit non-retryable code is treated as retryable by the
// orchestrator.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("collaborator.base_url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if cfg.RecordLimit <= 0 {
		cfg.RecordLimit = 500
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type scrapeRequest struct {
	Jurisdiction string `json:"jurisdiction"`
	Category     string `json:"category"`
	CellID       string `json:"cell_id"`
	Limit        int    `json:"limit"`
}

type scrapeResponse struct {
	Records     []scrape.Record `json:"records"`
	SourceLabel string          `json:"source_label"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Scrape asks the collaborator to work one cell and returns the records
// it found. The per-call deadline is hard; exceeding it surfaces as a
// retryable TIMEOUT.
func (c *Client) Scrape(ctx context.Context, item scrape.WorkItem) (scrape.Result, error) {
	body, err := json.Marshal(scrapeRequest{
		Jurisdiction: item.Jurisdiction,
		Category:     item.Category,
		CellID:       item.CellID,
		Limit:        c.cfg.RecordLimit,
	})
	if err != nil {
		return scrape.Result{}, fmt.Errorf("marshal scrape request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.cfg.BaseURL+"/v1/scrape", bytes.NewReader(body))
	if err != nil {
		return scrape.Result{}, fmt.Errorf("build scrape request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return scrape.Result{}, &scrape.CollaboratorError{
				Code:    scrape.CodeTimeout,
				Message: "scrape deadline exceeded",
				Err:     err,
			}
		}
		return scrape.Result{}, &scrape.CollaboratorError{
			Code:    scrape.CodeSiteUnavailable,
			Message: "collaborator unreachable",
			Err:     err,
		}
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Warn("close collaborator response body", zap.Error(cerr))
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return scrape.Result{}, &scrape.CollaboratorError{
			Code:    scrape.CodeMalformedResponse,
			Message: "read response body",
			Err:     err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return scrape.Result{}, c.errorFrom(resp.StatusCode, raw)
	}

	var parsed scrapeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return scrape.Result{}, &scrape.CollaboratorError{
			Code:    scrape.CodeMalformedResponse,
			Message: "decode response body",
			Err:     err,
		}
	}

	c.logger.Debug("collaborator scrape finished",
		zap.String("key", item.Key()),
		zap.Int("records", len(parsed.Records)),
		zap.Duration("duration", time.Since(start)),
	)
	return scrape.Result{
		Records:     parsed.Records,
		SourceLabel: parsed.SourceLabel,
		Raw:         raw,
	}, nil
}

// errorFrom maps an error body onto the taxonomy. A body without a known
// code keeps the HTTP status as the message and stays retryable.
func (c *Client) errorFrom(status int, raw []byte) error {
	var body errorResponse
	if err := json.Unmarshal(raw, &body); err == nil && body.Code != "" {
		return &scrape.CollaboratorError{
			Code:    scrape.ErrorCode(body.Code),
			Message: body.Message,
		}
	}
	return &scrape.CollaboratorError{
		Code:    scrape.CodeSiteUnavailable,
		Message: fmt.Sprintf("unexpected status %d", status),
	}
}
