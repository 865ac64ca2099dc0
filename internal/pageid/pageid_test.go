package pageid

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://Example.COM/Article", "https://example.com/Article"},
		{"strips fragment", "https://example.com/a#section-2", "https://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"drops tracking params", "https://example.com/a?utm_source=x&id=5", "https://example.com/a?id=5"},
		{"sorts query params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
		{"empty path becomes root", "https://example.com", "https://example.com/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			if err != nil {
				t.Fatalf("normalize(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "not a url", "ftp://example.com/x", "https://"} {
		if _, err := Normalize(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestFromURLStable(t *testing.T) {
	a, err := FromURL("https://Example.com/page?utm_source=mail")
	if err != nil {
		t.Fatalf("from url: %v", err)
	}
	b, err := FromURL("https://example.com/page")
	if err != nil {
		t.Fatalf("from url: %v", err)
	}
	if a != b {
		t.Fatalf("equivalent urls produced different ids: %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("unexpected digest width: %d", len(a))
	}
}

func TestHashDistinguishesParts(t *testing.T) {
	if Hash("ab", "c") == Hash("a", "bc") {
		t.Fatalf("part boundaries must affect the digest")
	}
}
