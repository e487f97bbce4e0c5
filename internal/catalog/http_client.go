package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/Sameersah/talknshop/internal/domain"
	"github.com/Sameersah/talknshop/internal/shared"
	"github.com/google/uuid"
)

const searchPath = "/api/v1/search/orchestrator"

// HTTPConfig configures HTTPClient.
type HTTPConfig struct {
	BaseURL       string
	Timeout       time.Duration
	SearchTimeout time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// HTTPClient is a Client for the catalog service's REST API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	cfg     HTTPConfig
	logger  *slog.Logger
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("catalog returned status %d: %s", e.code, e.body)
}

// NewHTTPClient creates a catalog client.
func NewHTTPClient(cfg HTTPConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{},
		cfg:     cfg,
		logger:  logger,
	}
}

type searchRequest struct {
	RequirementSpec *domain.Requirement  `json:"requirement_spec"`
	Limit           int                  `json:"limit"`
	Marketplaces    []domain.Marketplace `json:"marketplaces"`
}

type searchResponse struct {
	Products             []catalogProduct `json:"products"`
	TotalCount           *int             `json:"total_count"`
	MarketplacesSearched []string         `json:"marketplaces_searched"`
}

type catalogProduct struct {
	ID           string   `json:"id"`
	PlatformID   string   `json:"platform_id"`
	Platform     string   `json:"platform"`
	Title        string   `json:"title"`
	Price        *float64 `json:"price"`
	Currency     string   `json:"currency"`
	Rating       *float64 `json:"rating"`
	ReviewCount  *int     `json:"review_count"`
	Availability string   `json:"availability"`
	URL          string   `json:"url"`
	ImageURL     string   `json:"image_url"`
	Brand        string   `json:"brand"`
}

// Search queries all marketplaces of req.
func (c *HTTPClient) Search(ctx context.Context, req *domain.Requirement) (*SearchResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: search requires a requirement", domain.ErrValidation)
	}
	start := time.Now()
	req = req.Clone().Normalize()

	c.logger.Info("Searching products",
		"product_type", req.ProductType,
		"marketplaces", req.Marketplaces,
		"limit", DefaultLimit,
	)

	body, err := json.Marshal(searchRequest{RequirementSpec: req, Limit: DefaultLimit, Marketplaces: req.Marketplaces})
	if err != nil {
		return nil, fmt.Errorf("encode search request: %w", err)
	}

	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, searchPath, body, c.cfg.SearchTimeout, &resp); err != nil {
		c.logger.Error("Product search failed", "error", err, "product_type", req.ProductType)
		return nil, err
	}

	out := &SearchResult{Products: make([]domain.Product, 0, len(resp.Products))}
	for _, p := range resp.Products {
		out.Products = append(out.Products, p.toDomain())
	}
	out.TotalCount = len(out.Products)
	if resp.TotalCount != nil {
		out.TotalCount = *resp.TotalCount
	}
	for _, m := range resp.MarketplacesSearched {
		if mp := domain.Marketplace(strings.ToLower(m)); mp.Valid() {
			out.MarketplacesSearched = append(out.MarketplacesSearched, mp)
		}
	}

	c.logger.Info("Product search completed",
		"product_count", len(out.Products),
		"duration_ms", time.Since(start).Milliseconds(),
		"marketplaces", len(out.MarketplacesSearched),
	)
	return out, nil
}

// Health checks the catalog service's /health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, 5*time.Second, nil)
}

// do sends one request with retries. out may be nil.
func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, timeout time.Duration, out any) error {
	policy := shared.RetryPolicy{MaxAttempts: c.cfg.MaxRetries, BaseDelay: c.cfg.RetryDelay}

	err := shared.Retry(ctx, policy, method+" "+path, retryable, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= http.StatusBadRequest {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(snippet))}
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode catalog response: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.CollaboratorError("catalog", err)
	}
	return nil
}

// retryable reports transport failures, timeouts and gateway errors.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func (p catalogProduct) toDomain() domain.Product {
	marketplace := domain.Marketplace(strings.ToLower(p.Platform))
	if !marketplace.Valid() {
		marketplace = domain.MarketplaceAmazon
	}

	out := domain.Product{
		ID:           p.ID,
		Marketplace:  marketplace,
		Title:        p.Title,
		Price:        p.Price,
		Currency:     p.Currency,
		Rating:       p.Rating,
		Availability: p.Availability,
		URL:          p.URL,
		ImageURL:     p.ImageURL,
		Brand:        p.Brand,
	}
	if p.ReviewCount != nil {
		out.ReviewCount = *p.ReviewCount
	}
	if out.Title == "" {
		out.Title = "Unknown Product"
	}
	if out.Currency == "" {
		out.Currency = "USD"
	}
	if out.Availability == "" {
		out.Availability = "unknown"
	}
	if out.URL == "" {
		out.URL = p.ImageURL
	}
	if out.ID == "" {
		out.ID = p.PlatformID
	}
	if out.ID == "" {
		out.ID = string(marketplace) + "_" + uuid.NewString()
	}
	return out
}

var _ Client = (*HTTPClient)(nil)
