// Package htmlpage implements acquire.Page over DOM snapshots. A Source
// supplies the current document and an Actuator performs the clicks and
// value changes; both are typically backed by a browser driver.
package htmlpage

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"carminepf/internal/acquire"
	"carminepf/internal/model"
)

// Snapshot is the serialized state of the browser tab.
type Snapshot struct {
	Location string `json:"location"`
	HTML     string `json:"html"`
	// FrameHTML is the express-checkout frame document, empty when the frame
	// is absent or inaccessible.
	FrameHTML string `json:"frameHtml,omitempty"`
}

// Source returns the current document.
type Source interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// Actuator acts on elements addressed by CSS selector.
type Actuator interface {
	Click(ctx context.Context, selector string, inFrame bool) error
	SetValue(ctx context.Context, selector, value string) error
}

const (
	selTitle         = "#productTitle"
	selAvailability  = "#availability"
	selAvailText     = "#availability span"
	selPrice         = ".a-price-whole, .a-price .a-offscreen"
	selStars         = `[data-hook="average-star-rating"] .a-icon-alt, .a-icon-star .a-icon-alt`
	selReviews       = `[data-hook="total-review-count"], #acrCustomerReviewText`
	selSeller        = `#merchant-info, [data-feature-name="merchant"] a, #merchantInfoFeature_feature_div`
	selFulfillment   = "#fulfillmentInfoFeature_feature_div, #merchant-info"
	selBuyNow        = `#buy-now-button, [name="submit.buy-now"]`
	selAddToCart     = "#add-to-cart-button"
	selQuantity      = "#quantity"
	selPlaceOrder    = `#placeOrder, [name="placeOrder"], .place-order-button`
	selFrame         = "#turbo-checkout-iframe"
	selFramePlace    = "#turbo-checkout-pyo-button, .turbo-checkout-button"
	selConfirmation  = ".order-confirmation, #order-summary"
	selCheckoutError = `.error, .alert-error, [data-test-id="error"]`
)

var roleSelectors = map[acquire.Role]string{
	acquire.RoleQuantity:        selQuantity,
	acquire.RolePrimaryAction:   selBuyNow,
	acquire.RolePlaceOrder:      selPlaceOrder,
	acquire.RoleFramePlaceOrder: selFramePlace,
}

var outOfStockMarkers = []string{"在庫切れ", "入荷時期は未定", "現在在庫切れ", "Out of Stock"}

var (
	reDigits  = regexp.MustCompile(`[\d,]+`)
	reDecimal = regexp.MustCompile(`(\d+\.?\d*)`)
	reInt     = regexp.MustCompile(`(\d+)`)
)

// Page adapts a Source and an Actuator to acquire.Page.
type Page struct {
	asin string
	src  Source
	act  Actuator
}

// New returns a Page for the product identified by asin.
func New(asin string, src Source, act Actuator) *Page {
	return &Page{asin: asin, src: src, act: act}
}

func (p *Page) load(ctx context.Context) (*Snapshot, *goquery.Document, error) {
	snap, err := p.src.Snapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("take snapshot: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML))
	if err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}
	return snap, doc, nil
}

func frameDoc(snap *Snapshot) (*goquery.Document, error) {
	if snap.FrameHTML == "" {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.FrameHTML))
	if err != nil {
		return nil, fmt.Errorf("parse frame document: %w", err)
	}
	return doc, nil
}

// Ready reports whether the product title and availability block have rendered.
func (p *Page) Ready(ctx context.Context) (bool, error) {
	_, doc, err := p.load(ctx)
	if err != nil {
		return false, err
	}
	return doc.Find(selTitle).Length() > 0 && doc.Find(selAvailability).Length() > 0, nil
}

// Inspect reads the visible product facts into a Candidate. IsInStock is
// false when neither purchase button exists or availability reads out of stock.
func (p *Page) Inspect(ctx context.Context) (model.Candidate, error) {
	_, doc, err := p.load(ctx)
	if err != nil {
		return model.Candidate{}, err
	}

	availability := text(doc, selAvailText)
	seller := text(doc, selSeller)
	fulfillment := text(doc, selFulfillment)

	c := model.Candidate{
		ASIN:                  p.asin,
		Title:                 text(doc, selTitle),
		Price:                 parsePrice(text(doc, selPrice)),
		StarRating:            parseRating(text(doc, selStars)),
		ReviewCount:           parseCount(text(doc, selReviews)),
		Availability:          availability,
		IsPlatformSeller:      strings.Contains(seller, "Amazon.co.jp") || strings.Contains(seller, "アマゾン"),
		IsFulfilledByPlatform: strings.Contains(fulfillment, "Amazon") || strings.Contains(fulfillment, "アマゾン"),
	}

	c.IsInStock = doc.Find(selBuyNow).Length() > 0 || doc.Find(selAddToCart).Length() > 0
	for _, m := range outOfStockMarkers {
		if strings.Contains(availability, m) {
			c.IsInStock = false
			break
		}
	}
	return c, nil
}

// FindControl locates the control for role. It returns nil, nil when the
// control is absent. RoleFramePlaceOrder is searched inside the checkout frame.
func (p *Page) FindControl(ctx context.Context, role acquire.Role) (*acquire.Control, error) {
	sel, ok := roleSelectors[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	snap, doc, err := p.load(ctx)
	if err != nil {
		return nil, err
	}

	if role == acquire.RoleFramePlaceOrder {
		doc, err = frameDoc(snap)
		if err != nil || doc == nil {
			return nil, err
		}
	}

	s := doc.Find(sel).First()
	if s.Length() == 0 {
		return nil, nil
	}

	_, disabled := s.Attr("disabled")
	_, readOnly := s.Attr("readonly")
	c := &acquire.Control{
		Role:     role,
		Enabled:  !disabled && s.AttrOr("aria-disabled", "") != "true",
		Editable: !disabled && !readOnly,
	}

	if goquery.NodeName(s) == "select" {
		s.Find("option").Each(func(_ int, o *goquery.Selection) {
			v := o.AttrOr("value", strings.TrimSpace(o.Text()))
			c.Options = append(c.Options, v)
			if _, selected := o.Attr("selected"); selected {
				c.Value = v
			}
		})
		if c.Value == "" && len(c.Options) > 0 {
			c.Value = c.Options[0]
		}
	} else {
		c.Value = s.AttrOr("value", "")
		c.Max = s.AttrOr("max", "")
	}
	return c, nil
}

// SetQuantity sets the quantity control to value.
func (p *Page) SetQuantity(ctx context.Context, value string) error {
	return p.act.SetValue(ctx, selQuantity, value)
}

// Click clicks the control for role.
func (p *Page) Click(ctx context.Context, role acquire.Role) error {
	sel, ok := roleSelectors[role]
	if !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	return p.act.Click(ctx, sel, role == acquire.RoleFramePlaceOrder)
}

// Surface classifies what appeared after a purchase click, checking the
// confirmation before errors and errors before checkout.
func (p *Page) Surface(ctx context.Context) (acquire.Surface, error) {
	snap, doc, err := p.load(ctx)
	if err != nil {
		return acquire.Surface{}, err
	}
	loc := snap.Location

	switch {
	case strings.Contains(loc, "/thankyou/") || strings.Contains(loc, "/orderconfirmation/") ||
		doc.Find(selConfirmation).Length() > 0:
		return acquire.Surface{Kind: acquire.SurfaceConfirmation}, nil
	case doc.Find(selCheckoutError).Length() > 0:
		return acquire.Surface{Kind: acquire.SurfaceError, Message: text(doc, selCheckoutError)}, nil
	case strings.Contains(loc, "/checkout/") || strings.Contains(loc, "/buy/"):
		return acquire.Surface{Kind: acquire.SurfaceCheckoutPage}, nil
	case doc.Find(selFrame).Length() > 0:
		return acquire.Surface{Kind: acquire.SurfaceCheckoutFrame}, nil
	}
	return acquire.Surface{Kind: acquire.SurfaceNone}, nil
}

// Location returns the current tab URL.
func (p *Page) Location(ctx context.Context) (string, error) {
	snap, err := p.src.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("take snapshot: %w", err)
	}
	return snap.Location, nil
}

// Text returns the body text with whitespace collapsed.
func (p *Page) Text(ctx context.Context) (string, error) {
	_, doc, err := p.load(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(doc.Find("body").Text()), " "), nil
}

func text(doc *goquery.Document, sel string) string {
	return strings.TrimSpace(doc.Find(sel).First().Text())
}

func parsePrice(s string) *float64 {
	m := reDigits.FindString(s)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseRating reads "4.5 out of 5 stars" and "5つ星のうち4.5" alike.
func parseRating(s string) *float64 {
	if _, after, ok := strings.Cut(s, "うち"); ok {
		s = after
	}
	m := reDecimal.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseCount(s string) *int64 {
	m := reInt.FindStringSubmatch(strings.ReplaceAll(s, ",", ""))
	if m == nil {
		return nil
	}
	v, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
