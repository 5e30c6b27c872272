package identity

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		trust      bool
		remoteAddr string
		headers    map[string]string
		actorID    string
		want       string
	}{
		{
			name:       "anonymous by remote addr",
			remoteAddr: "203.0.113.7:51234",
			want:       "ip:203.0.113.7",
		},
		{
			name:       "authenticated combines actor and ip",
			remoteAddr: "203.0.113.7:51234",
			actorID:    "u-42",
			want:       "user:u-42:203.0.113.7",
		},
		{
			name:       "ipv6 remote addr",
			remoteAddr: "[2001:db8::1]:443",
			want:       "ip:2001:db8::1",
		},
		{
			name:       "ipv4 mapped ipv6 collapses",
			remoteAddr: "[::ffff:198.51.100.2]:80",
			want:       "ip:198.51.100.2",
		},
		{
			name:       "forwarded headers ignored when untrusted",
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.9"},
			want:       "ip:10.0.0.1",
		},
		{
			name:       "first forwarded hop when trusted",
			trust:      true,
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": " 198.51.100.9 , 10.0.0.2"},
			want:       "ip:198.51.100.9",
		},
		{
			name:       "x-real-ip when trusted",
			trust:      true,
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Real-IP": "198.51.100.10"},
			want:       "ip:198.51.100.10",
		},
		{
			name:       "garbage forwarded header falls back to remote addr",
			trust:      true,
			remoteAddr: "10.0.0.1:80",
			headers:    map[string]string{"X-Forwarded-For": "not-an-ip"},
			want:       "ip:10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/generate/draft-1", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			got := Resolver{TrustProxyHeaders: tt.trust}.Resolve(req, tt.actorID)
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_FingerprintFallback(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/upload/x", nil)
	req.RemoteAddr = ""
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("Accept-Language", "pt-BR")

	anon := Resolver{}.Resolve(req, "")
	if !strings.HasPrefix(anon, "anon:") || len(anon) != len("anon:")+16 {
		t.Errorf("anonymous key = %q, want anon:<16 hex>", anon)
	}

	user := Resolver{}.Resolve(req, "u-1")
	if user != "user:u-1:fp-"+Fingerprint(req) {
		t.Errorf("user key = %q", user)
	}
}

func TestResolver_Deterministic(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = ""
	req.Header.Set("User-Agent", "curl/8.0")

	first := Resolver{}.Resolve(req, "")
	second := Resolver{}.Resolve(req, "")
	if first != second {
		t.Errorf("Resolve not deterministic: %q != %q", first, second)
	}

	req.Header.Set("Accept-Language", "en")
	if (Resolver{}).Resolve(req, "") == first {
		t.Error("different locale should produce a different fingerprint")
	}
}
