// Package semanticscholar implements paper.Source over the Semantic Scholar
// Graph API.
package semanticscholar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/citation-crawler/internal/metrics"
	"github.com/JakeFAU/citation-crawler/internal/paper"
	"github.com/JakeFAU/citation-crawler/internal/telemetry"
)

// DefaultBaseURL is the public Graph API root.
const DefaultBaseURL = "https://api.semanticscholar.org/graph/v1"

const (
	defaultPageLimit = 100
	maxErrorBody     = 512
)

// Limiter throttles requests before they are sent.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the HTTP client.
type Config struct {
	BaseURL string
	APIKey  string
	// PageLimit is the page size for reference and search listings.
	PageLimit int
	// MaxPages bounds how many reference pages are followed per paper.
	MaxPages     int
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to the Graph API.
type Client struct {
	http    *retryablehttp.Client
	base    string
	apiKey  string
	limit   int
	pages   int
	limiter Limiter
	logger  *zap.Logger
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Limiter, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	limit := cfg.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	pages := cfg.MaxPages
	if pages <= 0 {
		pages = 1
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	// Hand the last response back so status codes can be classified.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = leveledLogger{logger.Sugar()}

	return &Client{
		http:    rc,
		base:    base,
		apiKey:  cfg.APIKey,
		limit:   limit,
		pages:   pages,
		limiter: limiter,
		logger:  logger,
	}
}

type referencePage struct {
	Offset int  `json:"offset"`
	Next   *int `json:"next"`
	Data   []struct {
		CitedPaper *paper.Paper `json:"citedPaper"`
	} `json:"data"`
}

type searchPage struct {
	Total  int           `json:"total"`
	Offset int           `json:"offset"`
	Next   *int          `json:"next"`
	Data   []paper.Paper `json:"data"`
}

// References returns the papers cited by id. Entries with no cited paper are
// returned as zero values so callers see the same count the API reported.
func (c *Client) References(ctx context.Context, id string, fields []string) ([]paper.Paper, error) {
	start := time.Now()
	defer func() { metrics.ObserveFetch("references", time.Since(start)) }()
	ctx, span := telemetry.Start(ctx, "semanticscholar.references", attribute.String("paper_id", id))

	var out []paper.Paper
	offset := 0
	for page := 0; page < c.pages; page++ {
		q := url.Values{}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(c.limit))
		q.Set("fields", strings.Join(fields, ","))
		endpoint := fmt.Sprintf("%s/paper/%s/references?%s", c.base, url.PathEscape(id), q.Encode())

		var resp referencePage
		if err := c.getJSON(ctx, endpoint, &resp); err != nil {
			err = fmt.Errorf("fetch references of %s: %w", id, err)
			telemetry.End(span, err)
			return nil, err
		}
		for _, item := range resp.Data {
			if item.CitedPaper == nil {
				out = append(out, paper.Paper{})
				continue
			}
			out = append(out, *item.CitedPaper)
		}
		if resp.Next == nil || *resp.Next <= offset {
			break
		}
		offset = *resp.Next
	}
	if out == nil {
		out = []paper.Paper{}
	}
	span.SetAttributes(attribute.Int("references", len(out)))
	telemetry.End(span, nil)
	return out, nil
}

// Search returns the first page of papers matching query.
func (c *Client) Search(ctx context.Context, query string, fields []string) ([]paper.Paper, error) {
	start := time.Now()
	defer func() { metrics.ObserveFetch("search", time.Since(start)) }()
	ctx, span := telemetry.Start(ctx, "semanticscholar.search")

	q := url.Values{}
	q.Set("query", query)
	q.Set("offset", "0")
	q.Set("limit", strconv.Itoa(c.limit))
	q.Set("fields", strings.Join(fields, ","))
	endpoint := fmt.Sprintf("%s/paper/search?%s", c.base, q.Encode())

	var resp searchPage
	err := c.getJSON(ctx, endpoint, &resp)
	telemetry.End(span, err)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	return resp.Data, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string, dst any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return err
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, URL: endpoint, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
