package htmlpage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"carminepf/internal/acquire"
	"carminepf/internal/apperror"
	"carminepf/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Driver talks to a browser agent over a small JSON API:
//
//	POST   /tabs              {"url": ...}                -> {"id": ...}
//	GET    /tabs/{id}/snapshot                            -> Snapshot
//	POST   /tabs/{id}/click   {"selector": ..., "inFrame": bool}
//	POST   /tabs/{id}/value   {"selector": ..., "value": ...}
//	DELETE /tabs/{id}
type Driver struct {
	client     HTTPClient
	baseURL    string
	productURL string
	timeout    time.Duration
	log        *slog.Logger
}

// DefaultProductURL is the product page template; %s is the identifier.
const DefaultProductURL = "https://www.amazon.co.jp/dp/%s"

// NewDriver creates a Driver for the agent at baseURL.
func NewDriver(client HTTPClient, baseURL string, log *slog.Logger) *Driver {
	return &Driver{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		productURL: DefaultProductURL,
		timeout:    15 * time.Second,
		log:        log,
	}
}

// Open navigates a new tab to the item's product page. It satisfies
// acquire.PageFactory.
func (d *Driver) Open(ctx context.Context, item model.Item) (acquire.Page, func(), error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]string{"url": fmt.Sprintf(d.productURL, url.PathEscape(item.ASIN))}
	if err := d.call(ctx, http.MethodPost, "/tabs", body, &resp); err != nil {
		return nil, nil, fmt.Errorf("open tab: %w", err)
	}
	if resp.ID == "" {
		return nil, nil, apperror.New(apperror.CodeUpstreamError, apperror.WithMessage("agent returned no tab id"))
	}

	t := &tab{d: d, id: resp.ID}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.call(ctx, http.MethodDelete, "/tabs/"+url.PathEscape(t.id), nil, nil); err != nil {
			d.log.Warn("close tab", "tab", t.id, "error", err)
		}
	}
	return New(item.ASIN, t, t), release, nil
}

// tab is one open browser tab; it is both the Source and the Actuator.
type tab struct {
	d  *Driver
	id string
}

func (t *tab) path(suffix string) string {
	return "/tabs/" + url.PathEscape(t.id) + suffix
}

func (t *tab) Snapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := t.d.call(ctx, http.MethodGet, t.path("/snapshot"), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (t *tab) Click(ctx context.Context, selector string, inFrame bool) error {
	body := struct {
		Selector string `json:"selector"`
		InFrame  bool   `json:"inFrame"`
	}{selector, inFrame}
	return t.d.call(ctx, http.MethodPost, t.path("/click"), body, nil)
}

func (t *tab) SetValue(ctx context.Context, selector, value string) error {
	body := struct {
		Selector string `json:"selector"`
		Value    string `json:"value"`
	}{selector, value}
	return t.d.call(ctx, http.MethodPost, t.path("/value"), body, nil)
}

func (d *Driver) call(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return apperror.External(apperror.CodeUpstreamError, method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperror.New(apperror.CodeNotFound, apperror.WithContext(method+" "+path))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperror.New(apperror.CodeUpstreamHTTP,
			apperror.WithContext(method+" "+path),
			apperror.WithMessage(fmt.Sprintf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
