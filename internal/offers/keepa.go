package offers

import (
	"encoding/json"
	"strconv"
)

// PlatformSellerID is the seller id the marketplace operator lists under.
const PlatformSellerID = "AN1VRQENFRJN5"

const (
	conditionNew = 1

	// Indexes into stats.current / stats.avg90 and the csv price histories.
	priceAmazon = 0
	priceNew    = 1
)

type productResponse struct {
	Products   []product `json:"products"`
	TokensLeft *int      `json:"tokensLeft"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type product struct {
	ASIN                  string          `json:"asin"`
	Title                 string          `json:"title"`
	Offers                []offer         `json:"offers"`
	Stats                 *stats          `json:"stats"`
	CSV                   [][]json.Number `json:"csv"`
	BuyBoxSellerIDHistory []any           `json:"buyBoxSellerIdHistory"`
	FeePercentage         json.Number     `json:"feePercentage"`
	Category              *int            `json:"g"`
}

type offer struct {
	SellerID  string        `json:"sellerId"`
	IsPrime   bool          `json:"isPrime"`
	IsFBA     bool          `json:"isFBA"`
	Condition int           `json:"condition"`
	OfferCSV  []json.Number `json:"offerCSV"`
}

type stats struct {
	Current               []json.Number   `json:"current"`
	Avg                   [][]json.Number `json:"avg"`
	Avg90                 []json.Number   `json:"avg90"`
	BuyBoxIsFBA           *bool           `json:"buyBoxIsFBA"`
	BuyBoxIsPrimeEligible *bool           `json:"buyBoxIsPrimeEligible"`
}

// number parses n and returns it only when it is a positive price.
// Absent or non-numeric values are nil, never zero.
func number(n json.Number) *float64 {
	if n == "" {
		return nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil || f <= 0 {
		return nil
	}
	return &f
}

func at(ns []json.Number, i int) *float64 {
	if i < 0 || i >= len(ns) {
		return nil
	}
	return number(ns[i])
}

func last(ns []json.Number) *float64 {
	return at(ns, len(ns)-1)
}

// latestPrice returns the most recent listed price and shipping of an offer.
// offerCSV is a flat [time, price, shipping, ...] history.
func (o offer) latestPrice() (price *float64, shipping float64) {
	n := len(o.OfferCSV)
	if n < 2 {
		return nil, 0
	}
	price = number(o.OfferCSV[n-2])
	if s := number(o.OfferCSV[n-1]); s != nil {
		shipping = *s
	}
	return price, shipping
}

// lastSeller reads the final entry of a [time, sellerId, ...] history.
func lastSeller(history []any) string {
	if len(history) < 2 {
		return ""
	}
	switch v := history[len(history)-1].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
