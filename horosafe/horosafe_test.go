package horosafe

import (
	"errors"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafePath(t *testing.T) {
	base := filepath.FromSlash("/data/harvest")
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{rel: "quotes.db", want: "/data/harvest/quotes.db"},
		{rel: "quotes/000001.db", want: "/data/harvest/quotes/000001.db"},
		{rel: "/abs/listing.db", want: "/data/harvest/abs/listing.db"},
		{rel: "../etc/passwd", wantErr: true},
		{rel: "quotes/../../outside", wantErr: true},
		{rel: "..", wantErr: true},
	}
	for _, tt := range tests {
		got, err := SafePath(base, tt.rel)
		if tt.wantErr {
			if !errors.Is(err, ErrPathTraversal) {
				t.Errorf("SafePath(%q) err = %v, want ErrPathTraversal", tt.rel, err)
			}
			continue
		}
		if err != nil || got != filepath.FromSlash(tt.want) {
			t.Errorf("SafePath(%q) = %q, %v", tt.rel, got, err)
		}
	}
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url  string
		want error
	}{
		{"http://93.184.216.34/api", nil},
		{"ftp://93.184.216.34/data", ErrUnsafeScheme},
		{"javascript:alert(1)", ErrUnsafeScheme},
		{"http://127.0.0.1/admin", ErrSSRF},
		{"http://10.0.0.1/internal", ErrSSRF},
		{"http://192.168.1.1/api", ErrSSRF},
		{"http://[::1]/api", ErrSSRF},
		{"http://[::ffff:127.0.0.1]/api", ErrSSRF},
		{"http://172.16.0.1/secret", ErrSSRF},
		{"http://169.254.169.254/latest/meta-data", ErrSSRF},
		{"http://0.0.0.0/", ErrSSRF},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.want == nil && err != nil {
			t.Errorf("ValidateURL(%q) = %v", tt.url, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("ValidateURL(%q) = %v, want %v", tt.url, err, tt.want)
		}
	}
	if err := ValidateURL("http:///nohost"); err == nil {
		t.Error("accepted URL without host")
	}
}

func TestValidateIdentifier(t *testing.T) {
	for _, ok := range []string{"quotes", "000001", "cn_index.daily", "a-b"} {
		if err := ValidateIdentifier(ok); err != nil {
			t.Errorf("%q: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "../etc", "has space", "a/b", strings.Repeat("a", MaxIdentifierLen+1)} {
		if err := ValidateIdentifier(bad); !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("%q: err = %v", bad, err)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data := strings.Repeat("x", 100)
	got, err := LimitedReadAll(strings.NewReader(data), 100)
	if err != nil || len(got) != 100 {
		t.Fatalf("got %d bytes, %v", len(got), err)
	}
	if _, err := LimitedReadAll(strings.NewReader(data), 50); !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("err = %v", err)
	}
}

func TestIsPrivate(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1":  true,
		"10.1.2.3":   true,
		"100.64.0.1": true,
		"fd00::1":    true,
		"8.8.8.8":    false,
		"1.1.1.1":    false,
		"2606:4700::": false,
	}
	for s, want := range tests {
		if got := isPrivate(netip.MustParseAddr(s)); got != want {
			t.Errorf("isPrivate(%s) = %v, want %v", s, got, want)
		}
	}
}
