package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultAPIKeyHeader carries the provider API key.
const DefaultAPIKeyHeader = "X-API-Key"

// HTTPSource fetches quotes from a REST quote provider:
//
//	GET {base}/quote/{symbol}           → {"symbol": "...", "price": "..."}
//	GET {base}/options/{contractSymbol} → {"bid": "...", "ask": "...", "last": "..."}
type HTTPSource struct {
	baseURL    string
	apiKey     string
	keyHeader  string
	httpClient *http.Client
}

// Option configures the source.
type Option func(*HTTPSource)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *HTTPSource) {
		s.httpClient = client
	}
}

// WithAPIKeyHeader overrides the header used to send the API key.
func WithAPIKeyHeader(header string) Option {
	return func(s *HTTPSource) {
		s.keyHeader = header
	}
}

// NewHTTPSource creates a REST quote source.
func NewHTTPSource(baseURL, apiKey string, opts ...Option) *HTTPSource {
	s := &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		keyHeader:  DefaultAPIKeyHeader,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

type priceResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (s *HTTPSource) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var resp priceResponse
	if err := s.get(ctx, "/quote/"+url.PathEscape(symbol), &resp); err != nil {
		return decimal.Zero, err
	}
	if !resp.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s has no positive price", ErrUnavailable, symbol)
	}
	return resp.Price, nil
}

func (s *HTTPSource) OptionQuote(ctx context.Context, contractSymbol string) (OptionQuote, error) {
	var q OptionQuote
	if err := s.get(ctx, "/options/"+url.PathEscape(contractSymbol), &q); err != nil {
		return OptionQuote{}, err
	}
	return q, nil
}

// get performs a GET and decodes a JSON body. Every failure is reported as
// ErrUnavailable so callers can apply their fallback uniformly.
func (s *HTTPSource) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set(s.keyHeader, s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: execute request: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: quote provider returned %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	return nil
}
