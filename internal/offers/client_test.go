package offers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"carminepf/internal/apperror"
	"carminepf/internal/model"
)

type mockHTTP struct {
	bodies     []string
	statusCode int
	requests   []*http.Request
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	m.requests = append(m.requests, req)
	body := ""
	if len(m.bodies) > 0 {
		body = m.bodies[0]
		if len(m.bodies) > 1 {
			m.bodies = m.bodies[1:]
		}
	}
	status := m.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

func ptr64(v float64) *float64 { return &v }
func str(v string) *string      { return &v }

func TestEnrichEmptyInput(t *testing.T) {
	m := &mockHTTP{}
	c := NewClient(m, Options{})
	got, err := c.Enrich(context.Background(), "k", nil)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(got) != 0 || len(m.requests) != 0 {
		t.Errorf("got %d infos and %d requests, want none", len(got), len(m.requests))
	}
}

func TestEnrichRequest(t *testing.T) {
	m := &mockHTTP{bodies: []string{`{"products":[],"tokensLeft":10}`}}
	c := NewClient(m, Options{BaseURL: "https://keepa.test/"})
	if _, err := c.Enrich(context.Background(), "secret", []string{"B00000000A", "B00000000B"}); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(m.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(m.requests))
	}
	u := m.requests[0].URL
	if u.Host != "keepa.test" || u.Path != "/product" {
		t.Errorf("url = %s", u)
	}
	want := map[string]string{"key": "secret", "domain": "5", "asin": "B00000000A,B00000000B", "offers": "20", "stats": "90"}
	got := map[string]string{}
	for k := range want {
		got[k] = u.Query().Get(k)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("query mismatch (-want +got):\n%s", diff)
	}
}

func TestEnrichBatches(t *testing.T) {
	asins := make([]string, MaxBatch+1)
	for i := range asins {
		asins[i] = fmt.Sprintf("B%09d", i)
	}
	m := &mockHTTP{bodies: []string{`{"products":[{"asin":"B000000000"}]}`, `{"products":[{"asin":"B000000100"}]}`}}
	c := NewClient(m, Options{})
	got, err := c.Enrich(context.Background(), "k", asins)
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(m.requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(m.requests))
	}
	if n := len(strings.Split(m.requests[1].URL.Query().Get("asin"), ",")); n != 1 {
		t.Errorf("second batch size = %d, want 1", n)
	}
	if len(got) != 2 || got[0].ASIN != "B000000000" || got[1].ASIN != "B000000100" {
		t.Errorf("infos = %+v", got)
	}
}

func TestEnrichErrors(t *testing.T) {
	tests := []struct {
		name     string
		mock     *mockHTTP
		wantCode apperror.Code
	}{
		{"quota exhausted", &mockHTTP{bodies: []string{`{"products":[],"tokensLeft":-1}`}}, apperror.CodeQuotaExhausted},
		{"error payload", &mockHTTP{bodies: []string{`{"error":{"message":"bad key"}}`}}, apperror.CodeUpstreamError},
		{"rate limited", &mockHTTP{statusCode: 429}, apperror.CodeRateLimited},
		{"server error", &mockHTTP{statusCode: 503}, apperror.CodeUpstreamHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.mock, Options{})
			_, err := c.Enrich(context.Background(), "k", []string{"B00000000A"})
			if diff := cmp.Diff(tt.wantCode, apperror.GetCode(err)); diff != "" {
				t.Errorf("code mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEnrichCircuitOpens(t *testing.T) {
	m := &mockHTTP{statusCode: 500}
	c := NewClient(m, Options{})
	for range 3 {
		_, _ = c.Enrich(context.Background(), "k", []string{"B00000000A"})
	}
	_, err := c.Enrich(context.Background(), "k", []string{"B00000000A"})
	if !apperror.HasCode(err, apperror.CodeCircuitOpen) {
		t.Fatalf("error = %v, want CIRCUIT_OPEN", err)
	}
	if len(m.requests) != 3 {
		t.Errorf("requests = %d, want 3", len(m.requests))
	}
}

func TestEnrichSelection(t *testing.T) {
	tests := []struct {
		name    string
		product string
		want    model.OfferInfo
	}{
		{
			name: "cheapest new offer including shipping",
			product: `{"asin":"B00000000A","title":"Kettle","g":5,
				"stats":{"avg90":[2100,2000,1500]},
				"offers":[
					{"sellerId":"USED","condition":2,"offerCSV":[1,500,0]},
					{"sellerId":"S1","condition":1,"isFBA":true,"offerCSV":[1,900,300]},
					{"sellerId":"S2","condition":1,"isPrime":true,"offerCSV":[1,700,0,2,1000,100]},
					{"sellerId":"ZERO","condition":1,"offerCSV":[1,0,0]},
					{"sellerId":"","condition":1,"offerCSV":[1,100,0]}
				]}`,
			want: model.OfferInfo{
				ASIN: "B00000000A", Title: "Kettle", SellerID: str("S2"), PurchasePrice: ptr64(1000),
				ReferencePrice90d: ptr64(2000), FeeRatePercent: ptr64(0.15), FixedFees: ptr64(DefaultFixedFee),
				IsExpeditedEligible: true,
			},
		},
		{
			name: "books category fee and amazon average",
			product: `{"asin":"B00000000B","g":3,
				"stats":{"avg90":[1800,-1]},
				"offers":[{"sellerId":"S1","condition":1,"isFBA":true,"offerCSV":[1,1000,0]}]}`,
			want: model.OfferInfo{
				ASIN: "B00000000B", Title: "Unknown Product", SellerID: str("S1"), PurchasePrice: ptr64(1000),
				ReferencePrice90d: ptr64(1800), FeeRatePercent: ptr64(0.10), FixedFees: ptr64(DefaultFixedFee),
				IsFulfilledByPlatform: true,
			},
		},
		{
			name: "offers present but none usable",
			product: `{"asin":"B00000000C","title":"T",
				"offers":[{"sellerId":"S1","condition":3,"offerCSV":[1,1000,0]}]}`,
			want: model.OfferInfo{ASIN: "B00000000C", Title: "T"},
		},
		{
			name: "aggregate fallback with platform buy box",
			product: `{"asin":"B00000000D","title":"T","feePercentage":0.08,
				"buyBoxSellerIdHistory":["100","-2"],
				"stats":{"current":[1500,-1],"avg":[[1,1],[1700,-1]],"buyBoxIsFBA":true,"buyBoxIsPrimeEligible":true}}`,
			want: model.OfferInfo{
				ASIN: "B00000000D", Title: "T", SellerID: str(PlatformSellerID), PurchasePrice: ptr64(1500),
				ReferencePrice90d: ptr64(1700), FeeRatePercent: ptr64(0.08), FixedFees: ptr64(DefaultFixedFee),
				IsFulfilledByPlatform: true, IsExpeditedEligible: true,
			},
		},
		{
			name: "aggregate fallback new price keeps buy box seller",
			product: `{"asin":"B00000000E","title":"T",
				"buyBoxSellerIdHistory":["100","S9"],
				"stats":{"current":[1500,1200]}}`,
			want: model.OfferInfo{
				ASIN: "B00000000E", Title: "T", SellerID: str("S9"), PurchasePrice: ptr64(1200),
				ReferencePrice90d: ptr64(1200), FeeRatePercent: ptr64(DefaultFeeRate), FixedFees: ptr64(DefaultFixedFee),
			},
		},
		{
			name: "aggregate fallback to csv history",
			product: `{"asin":"B00000000F","title":"T",
				"buyBoxSellerIdHistory":["100","-1"],
				"csv":[[1,-1],[1,800,2,900]]}`,
			want: model.OfferInfo{
				ASIN: "B00000000F", Title: "T", PurchasePrice: ptr64(900),
				FeeRatePercent: ptr64(DefaultFeeRate), FixedFees: ptr64(DefaultFixedFee),
			},
		},
		{
			name:    "no data at all",
			product: `{"asin":"B00000000G","title":"T"}`,
			want:    model.OfferInfo{ASIN: "B00000000G", Title: "T", FeeRatePercent: ptr64(DefaultFeeRate)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockHTTP{bodies: []string{`{"products":[` + tt.product + `]}`}}
			c := NewClient(m, Options{})
			got, err := c.Enrich(context.Background(), "k", []string{"B00000000A"})
			if err != nil {
				t.Fatalf("Enrich: %v", err)
			}
			if len(got) != 1 {
				t.Fatalf("got %d infos, want 1", len(got))
			}
			if diff := cmp.Diff(tt.want, got[0]); diff != "" {
				t.Errorf("offer info mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
