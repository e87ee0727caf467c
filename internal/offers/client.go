// Package offers enriches product identifiers with current offer data from
// the Keepa product API.
package offers

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"carminepf/internal/apperror"
	"carminepf/internal/circuitbreaker"
	"carminepf/internal/model"
	"carminepf/internal/ratelimit"
)

const (
	// DefaultBaseURL is the Keepa API root.
	DefaultBaseURL = "https://api.keepa.com"
	// DefaultFixedFee is the flat fulfilment fee per unit, in yen.
	DefaultFixedFee = 450.0
	// DefaultFeeRate applies when a product's category has no table entry.
	DefaultFeeRate = 0.15
	// MaxBatch is the largest number of identifiers sent in one request.
	MaxBatch = 100

	domainJP = 5
)

// categoryFeeRates maps a Keepa root category to its referral fee rate.
// Categories not listed use DefaultFeeRate.
var categoryFeeRates = map[int]float64{
	3: 0.10, // books
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// FixedFee is the per-unit fee in yen; zero selects DefaultFixedFee.
	FixedFee float64
	Limiter  *ratelimit.Limiter
	Logger   *slog.Logger
}

// Client fetches offer data for batches of identifiers.
type Client struct {
	http     HTTPClient
	baseURL  string
	fixedFee float64
	limiter  *ratelimit.Limiter
	cb       *circuitbreaker.CircuitBreaker[*productResponse]
	logger   *slog.Logger
}

// NewClient creates a Client. Zero-valued options take their defaults.
func NewClient(httpClient HTTPClient, opts Options) *Client {
	c := &Client{
		http:     httpClient,
		baseURL:  strings.TrimRight(cmp.Or(opts.BaseURL, DefaultBaseURL), "/"),
		fixedFee: cmp.Or(opts.FixedFee, DefaultFixedFee),
		limiter:  opts.Limiter,
		logger:   opts.Logger,
	}
	if c.limiter == nil {
		c.limiter = ratelimit.New(0)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	cbCfg := circuitbreaker.DefaultConfig("keepa-product")
	// Quota and rate limit answers are upstream policy, not an unhealthy upstream.
	cbCfg.IsSuccessful = func(err error) bool {
		return err == nil ||
			apperror.HasCode(err, apperror.CodeQuotaExhausted) ||
			apperror.HasCode(err, apperror.CodeRateLimited) ||
			apperror.HasCode(err, apperror.CodeUpstreamError)
	}
	cbCfg.OnStateChange = func(name string, from, to gobreaker.State) {
		c.logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	c.cb = circuitbreaker.New[*productResponse](cbCfg)
	return c
}

// Enrich returns offer information for asins, in request order. Identifiers
// the upstream does not know are omitted. Empty input makes no request.
func (c *Client) Enrich(ctx context.Context, apiKey string, asins []string) ([]model.OfferInfo, error) {
	if len(asins) == 0 {
		return nil, nil
	}

	var out []model.OfferInfo
	for batch := range slices.Chunk(asins, MaxBatch) {
		resp, err := c.fetch(ctx, apiKey, batch)
		if err != nil {
			return nil, err
		}
		for _, p := range resp.Products {
			out = append(out, c.process(p))
		}
	}
	return out, nil
}

func (c *Client) fetch(ctx context.Context, apiKey string, asins []string) (*productResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	return c.cb.Execute(func() (*productResponse, error) {
		q := url.Values{}
		q.Set("key", apiKey)
		q.Set("domain", fmt.Sprint(domainJP))
		q.Set("asin", strings.Join(asins, ","))
		q.Set("offers", "20")
		q.Set("stats", "90")

		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/product?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", "CarminePF/1.0")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http get: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, apperror.New(apperror.CodeRateLimited, apperror.WithContext("product"))
		}
		if resp.StatusCode != http.StatusOK {
			return nil, apperror.New(apperror.CodeUpstreamHTTP,
				apperror.WithContext(fmt.Sprintf("product status %d", resp.StatusCode)))
		}

		var pr productResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 20*1024*1024)).Decode(&pr); err != nil {
			return nil, fmt.Errorf("decode product response: %w", err)
		}
		if pr.Error != nil {
			return nil, apperror.New(apperror.CodeUpstreamError, apperror.WithContext(pr.Error.Message))
		}
		if pr.TokensLeft != nil {
			if *pr.TokensLeft < 0 {
				return nil, apperror.New(apperror.CodeQuotaExhausted,
					apperror.WithContext(fmt.Sprintf("tokens left %d", *pr.TokensLeft)))
			}
			c.logger.Debug("keepa tokens remaining", "tokens_left", *pr.TokensLeft)
		}
		return &pr, nil
	})
}

func (c *Client) process(p product) model.OfferInfo {
	var info model.OfferInfo
	if len(p.Offers) > 0 {
		info = c.fromOffers(p)
	} else {
		info = c.fromAggregates(p)
	}
	info.ASIN = p.ASIN
	info.Title = cmp.Or(p.Title, "Unknown Product")
	return info
}

// fromOffers picks the cheapest new offer by price plus shipping. A product
// whose offers are all unusable yields an info with no offer fields set.
func (c *Client) fromOffers(p product) model.OfferInfo {
	type candidate struct {
		offer offer
		price float64
		total float64
	}

	var cands []candidate
	for _, o := range p.Offers {
		if o.Condition != conditionNew || o.SellerID == "" {
			continue
		}
		price, shipping := o.latestPrice()
		if price == nil {
			continue
		}
		cands = append(cands, candidate{offer: o, price: *price, total: *price + shipping})
	}
	if len(cands) == 0 {
		return model.OfferInfo{}
	}

	best := slices.MinFunc(cands, func(a, b candidate) int { return cmp.Compare(a.total, b.total) })
	seller := best.offer.SellerID
	price := best.price

	return c.withFees(p, model.OfferInfo{
		SellerID:              &seller,
		PurchasePrice:         &price,
		IsFulfilledByPlatform: best.offer.IsFBA,
		IsExpeditedEligible:   best.offer.IsPrime,
	})
}

// fromAggregates infers seller and price from buy box history and price
// statistics when the response carries no per-offer data.
func (c *Client) fromAggregates(p product) model.OfferInfo {
	var info model.OfferInfo

	switch s := lastSeller(p.BuyBoxSellerIDHistory); s {
	case "", "-1":
	case "-2":
		info.SellerID = ptr(PlatformSellerID)
	default:
		info.SellerID = ptr(s)
	}

	if p.Stats != nil {
		if v := at(p.Stats.Current, priceNew); v != nil {
			info.PurchasePrice = v
		} else if v := at(p.Stats.Current, priceAmazon); v != nil {
			info.PurchasePrice = v
			if info.SellerID == nil {
				info.SellerID = ptr(PlatformSellerID)
			}
		}
	}

	if info.PurchasePrice == nil {
		for i := priceAmazon; i <= priceNew && i < len(p.CSV); i++ {
			if v := last(p.CSV[i]); v != nil {
				info.PurchasePrice = v
				if i == priceAmazon && info.SellerID == nil {
					info.SellerID = ptr(PlatformSellerID)
				}
				break
			}
		}
	}

	if p.Stats != nil {
		info.IsFulfilledByPlatform = p.Stats.BuyBoxIsFBA != nil && *p.Stats.BuyBoxIsFBA
		info.IsExpeditedEligible = p.Stats.BuyBoxIsPrimeEligible != nil && *p.Stats.BuyBoxIsPrimeEligible
	}

	return c.withFees(p, info)
}

func (c *Client) withFees(p product, info model.OfferInfo) model.OfferInfo {
	info.ReferencePrice90d = referencePrice(p)
	info.FeeRatePercent = ptr(feeRate(p))
	if info.PurchasePrice != nil {
		info.FixedFees = ptr(c.fixedFee)
	}
	return info
}

// referencePrice is the 90-day average new price, falling back to the
// platform's own average and then to current prices.
func referencePrice(p product) *float64 {
	s := p.Stats
	if s == nil {
		return nil
	}
	if v := cmp.Or(at(s.Avg90, priceNew), at(s.Avg90, priceAmazon)); v != nil {
		return v
	}
	if len(s.Avg) > 1 {
		if v := cmp.Or(at(s.Avg[1], priceNew), at(s.Avg[1], priceAmazon)); v != nil {
			return v
		}
	}
	return cmp.Or(at(s.Current, priceNew), at(s.Current, priceAmazon))
}

func feeRate(p product) float64 {
	if p.Category != nil {
		if r, ok := categoryFeeRates[*p.Category]; ok {
			return r
		}
		return DefaultFeeRate
	}
	if v := number(p.FeePercentage); v != nil {
		return *v
	}
	return DefaultFeeRate
}

func ptr[T any](v T) *T { return &v }
