package origin

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"https://example.com", "https://example.com", "example.com", true},
		{"https://Example.COM:443", "https://example.com", "example.com", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"http://example.com:8080", "http://example.com:8080", "example.com:8080", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com?q=1", "", "", false},
		{"https://example.com:0", "", "", false},
	}
	for _, tc := range cases {
		norm, host, ok := Normalize(tc.in)
		if ok != tc.wantOK || norm != tc.wantNorm || host != tc.wantHost {
			t.Errorf("Normalize(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, norm, host, ok, tc.wantNorm, tc.wantHost, tc.wantOK)
		}
	}
}

func TestIsAllowed_Allowlist(t *testing.T) {
	allowed := []string{"https://app.example.com"}
	if !IsAllowed("https://app.example.com", "app.example.com", "relay.internal:8080", allowed) {
		t.Fatal("allowlisted origin rejected")
	}
	if IsAllowed("https://evil.example.com", "evil.example.com", "relay.internal:8080", allowed) {
		t.Fatal("non-allowlisted origin accepted")
	}
	if !IsAllowed("https://anything.example", "anything.example", "relay.internal", []string{"*"}) {
		t.Fatal("wildcard allowlist rejected origin")
	}
}

func TestIsAllowed_SameHostDefault(t *testing.T) {
	if !IsAllowed("http://localhost:8080", "localhost:8080", "localhost:8080", nil) {
		t.Fatal("same host rejected")
	}
	if IsAllowed("http://other:8080", "other:8080", "localhost:8080", nil) {
		t.Fatal("cross host accepted")
	}
	if IsAllowed("null", "", "localhost:8080", nil) {
		t.Fatal("null origin accepted by same-host default")
	}
}
