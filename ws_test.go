package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFeedOriginCheck(t *testing.T) {
	cases := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"http://wallet.local:8080", true},
		{"https://wallet.local:8080", true},
		{"https://evil.net", false},
		// host must match exactly, not as a substring
		{"https://wallet.local:8080.evil.net", false},
		{"https://evil.net/wallet.local:8080", false},
		{"://bad", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/wallet/feed", nil)
		r.Host = "wallet.local:8080"
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := feedUpgrader.CheckOrigin(r); got != tc.ok {
			t.Errorf("CheckOrigin(origin=%q) = %v, want %v", tc.origin, got, tc.ok)
		}
	}
}
