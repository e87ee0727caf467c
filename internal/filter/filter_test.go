package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"carminepf/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestValidASIN(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"B012345678", true},
		{"B0ABCDEFGH", true},
		{"b012345678", false},
		{"A012345678", false},
		{"B01234567", false},
		{"B0123456789", false},
		{"B0abcdefgh", false},
		{"B01234-678", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, ValidASIN(tt.in)); diff != "" {
				t.Errorf("ValidASIN(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestSplitASINs(t *testing.T) {
	valid, rejected := SplitASINs([]string{"B000000002", "bad", "B000000001", "B000000002", "B00000000X1"})

	if diff := cmp.Diff([]string{"B000000002", "B000000001"}, valid); diff != "" {
		t.Errorf("valid mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bad", "B00000000X1"}, rejected); diff != "" {
		t.Errorf("rejected mismatch (-want +got):\n%s", diff)
	}
}

func TestGatesCheck(t *testing.T) {
	good := model.Candidate{
		StarRating:            ptr(4.5),
		ReviewCount:           ptr(int64(120)),
		IsInStock:             true,
		IsPlatformSeller:      true,
		IsFulfilledByPlatform: true,
	}

	tests := []struct {
		name      string
		gates     Gates
		mutate    func(c *model.Candidate)
		wantOK    bool
		wantEmpty bool
	}{
		{name: "no gates passes", gates: Gates{}, wantOK: true, wantEmpty: true},
		{
			name:   "out of stock always rejects",
			gates:  Gates{},
			mutate: func(c *model.Candidate) { c.IsInStock = false },
		},
		{
			name:   "rating below minimum",
			gates:  Gates{MinStarRating: ptr(4.8)},
			wantOK: false,
		},
		{
			name:   "rating missing with threshold",
			gates:  Gates{MinStarRating: ptr(3.0)},
			mutate: func(c *model.Candidate) { c.StarRating = nil },
		},
		{
			name:      "rating missing without threshold",
			gates:     Gates{},
			mutate:    func(c *model.Candidate) { c.StarRating = nil },
			wantOK:    true,
			wantEmpty: true,
		},
		{
			name:  "review count below minimum",
			gates: Gates{MinReviewCount: ptr(int64(500))},
		},
		{
			name:   "platform seller required",
			gates:  Gates{PlatformSellerOnly: true},
			mutate: func(c *model.Candidate) { c.IsPlatformSeller = false },
		},
		{
			name:   "fulfilment required",
			gates:  Gates{FulfilledOnly: true},
			mutate: func(c *model.Candidate) { c.IsFulfilledByPlatform = false },
		},
		{
			name:      "all gates pass",
			gates:     Gates{MinStarRating: ptr(4.0), MinReviewCount: ptr(int64(100)), PlatformSellerOnly: true, FulfilledOnly: true},
			wantOK:    true,
			wantEmpty: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := good
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			ok, reason := tt.gates.Check(c)
			if diff := cmp.Diff(tt.wantOK, ok); diff != "" {
				t.Errorf("ok mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantEmpty, reason == ""); diff != "" {
				t.Errorf("reason %q emptiness mismatch (-want +got):\n%s", reason, diff)
			}
		})
	}
}

func TestGatesFromConfig(t *testing.T) {
	cfg := &model.MonitorConfig{MinStarRating: ptr(4.0), IsAmazonOnly: true}
	g := GatesFromConfig(cfg)
	if !g.PlatformSellerOnly || g.FulfilledOnly || g.MinStarRating == nil || *g.MinStarRating != 4.0 {
		t.Errorf("GatesFromConfig() = %+v", g)
	}
	if diff := cmp.Diff(Gates{}, GatesFromConfig(nil)); diff != "" {
		t.Errorf("nil config mismatch (-want +got):\n%s", diff)
	}
}
