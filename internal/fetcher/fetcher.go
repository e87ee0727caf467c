// Package fetcher downloads the monitored feed and extracts product identifiers.
//
// Two feed shapes are understood: a Keepa product finder response
// ({"asinList": [...], "tokensLeft": n, "error": {"message": ...}}) and any
// syndication feed gofeed can parse, where identifiers are taken from item
// links and GUIDs.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/mmcdole/gofeed"

	"carminepf/internal/apperror"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result holds the identifiers pulled from one feed download.
type Result struct {
	ASINs []string
	// TokensLeft is the remaining upstream quota, nil when the feed does not report it.
	TokensLeft *int
}

// Fetcher downloads and parses product feeds.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 30 * time.Second,
	}
}

type finderResponse struct {
	ASINList   []string `json:"asinList"`
	TokensLeft *int     `json:"tokensLeft"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Fetch downloads url and returns the identifiers it lists, in feed order.
// Identifiers are not validated here.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "CarminePF/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, apperror.New(apperror.CodeRateLimited, apperror.WithContext("feed"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperror.New(apperror.CodeUpstreamHTTP,
			apperror.WithContext(fmt.Sprintf("feed status %d", resp.StatusCode)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if r, ok, err := parseFinder(trimmed); ok {
			return r, err
		}
	}
	return parseSyndication(body)
}

// parseFinder decodes a product finder response. ok is false when the body is
// JSON but not a finder response, so it can be tried as a JSON Feed.
func parseFinder(body []byte) (*Result, bool, error) {
	var fr finderResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, true, fmt.Errorf("decode finder response: %w", err)
	}
	if fr.ASINList == nil && fr.TokensLeft == nil && fr.Error == nil {
		return nil, false, nil
	}

	if fr.Error != nil {
		return nil, true, apperror.New(apperror.CodeUpstreamError, apperror.WithContext(fr.Error.Message))
	}
	if fr.TokensLeft != nil && *fr.TokensLeft < 0 {
		return nil, true, apperror.New(apperror.CodeQuotaExhausted,
			apperror.WithContext(fmt.Sprintf("tokens left %d", *fr.TokensLeft)))
	}
	return &Result{ASINs: fr.ASINList, TokensLeft: fr.TokensLeft}, true, nil
}

var asinInURL = regexp.MustCompile(`/(?:dp|gp/product|gp/aw/d|product)/([A-Z0-9]{10})(?:[/?#]|$)`)

func parseSyndication(body []byte) (*Result, error) {
	parser := gofeed.NewParser()
	feed, err := parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	r := &Result{}
	for _, item := range feed.Items {
		if asin := ItemASIN(item); asin != "" {
			r.ASINs = append(r.ASINs, asin)
		}
	}
	return r, nil
}

// ItemASIN extracts a product identifier from a feed item's link or GUID.
// It returns "" when neither carries one.
func ItemASIN(item *gofeed.Item) string {
	candidates := append([]string{item.Link, item.GUID}, item.Links...)
	for _, s := range candidates {
		if m := asinInURL.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}
