// Package identity derives rate-limit keys from incoming requests.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// Resolver builds a stable key from the authenticated actor (if any) and the
// request's network origin. It never fails: a request with no usable origin
// is keyed by a fingerprint of coarse headers.
type Resolver struct {
	// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP authoritative.
	// Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// Resolve returns "user:<id>:<ip>" for authenticated actors and "ip:<ip>" for
// anonymous callers. When no IP can be determined the origin part becomes
// "fp-<hash>" ("anon:<hash>" for anonymous callers).
func (res Resolver) Resolve(r *http.Request, actorID string) string {
	ip := res.ClientIP(r)

	switch {
	case actorID != "" && ip != "":
		return "user:" + actorID + ":" + ip
	case actorID != "":
		return "user:" + actorID + ":fp-" + Fingerprint(r)
	case ip != "":
		return "ip:" + ip
	default:
		return "anon:" + Fingerprint(r)
	}
}

// ClientIP returns the canonical client IP or "" when none is determinable.
func (res Resolver) ClientIP(r *http.Request) string {
	if res.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := xff
			if idx := strings.IndexByte(xff, ','); idx >= 0 {
				first = xff[:idx]
			}
			if ip := canonicalIP(first); ip != "" {
				return ip
			}
		}
		if ip := canonicalIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return canonicalIP(remoteHost(r.RemoteAddr))
}

// Fingerprint is a low-entropy stand-in for an origin: user agent plus locale.
func Fingerprint(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.Header.Get("User-Agent") + "|" + r.Header.Get("Accept-Language")))
	return hex.EncodeToString(sum[:8])
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// canonicalIP parses s and returns its canonical text form, collapsing
// IPv4-mapped IPv6 addresses to IPv4.
func canonicalIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Zone identifiers never reach us from the network; drop them.
	if idx := strings.IndexByte(s, '%'); idx >= 0 {
		s = s[:idx]
	}
	ip := net.ParseIP(strings.Trim(s, "[]"))
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
