package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRedactedURL(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want string
	}{
		{
			name: "key masked",
			url:  "https://api.keepa.com/query?key=secret&domain=5",
			want: "https://api.keepa.com/query?domain=5&key=%2A%2A%2A",
		},
		{
			name: "no key left as is",
			url:  "https://example.com/feed.xml?page=2",
			want: "https://example.com/feed.xml?page=2",
		},
		{
			name: "unparsable left as is",
			url:  "://bad",
			want: "://bad",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &MonitorConfig{URL: tt.url}
			if diff := cmp.Diff(tt.want, cfg.RedactedURL()); diff != "" {
				t.Errorf("RedactedURL() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
