// Package guard provides the safety primitives shared across the ingest
// services: signing-key validation, path traversal guards for user-supplied
// file names, and URL safety checks (SSRF prevention) for remote-source pulls.
package guard

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

// MinKeyLen is the minimum acceptable length for the token signing key.
// 32 bytes = 256 bits of entropy.
const MinKeyLen = 32

// ErrKeyTooShort is returned when the signing key does not meet MinKeyLen.
var ErrKeyTooShort = fmt.Errorf("guard: signing key must be at least %d bytes", MinKeyLen)

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("guard: path traversal detected")

// ErrPrivateAddress is returned when a URL targets a private/loopback address.
var ErrPrivateAddress = errors.New("guard: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("guard: only http and https schemes are allowed")

// ValidateKey checks that the signing key is at least MinKeyLen bytes.
func ValidateKey(key []byte) error {
	if len(key) < MinKeyLen {
		return ErrKeyTooShort
	}
	return nil
}

// ValidateIdentifier rejects identifiers unsuitable for file names or URL
// path segments. Dataset UUIDs, slugs, and session IDs all pass through
// here before being joined into storage paths.
func ValidateIdentifier(s string) error {
	if s == "" {
		return fmt.Errorf("guard: identifier must not be empty")
	}
	if len(s) > 256 {
		return fmt.Errorf("guard: identifier too long (max 256)")
	}
	for _, r := range s {
		if !isIdentChar(r) {
			return fmt.Errorf("guard: invalid character %q in identifier", r)
		}
	}
	return nil
}

// SafeJoin joins base and a user-supplied relative name, guaranteeing the
// result stays under base. Returns ErrPathTraversal otherwise.
func SafeJoin(base, name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrPathTraversal
	}
	joined := filepath.Join(base, filepath.Clean("/"+name))
	cleanBase := filepath.Clean(base)
	if joined != cleanBase && !strings.HasPrefix(joined, cleanBase+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// ValidateURL checks that rawURL uses http/https, has a hostname, and does
// not resolve to a private or loopback IP. Remote-source pulls run inside
// the cluster network, so fetching internal addresses must be rejected.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("guard: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("guard: URL has no host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrPrivateAddress
		}
		return nil
	}

	addrs, err := net.LookupHost(host)
	if err != nil {
		// DNS failure: let the fetch fail at connection time instead.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrPrivateAddress
		}
	}
	return nil
}

func isIdentChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '_' || r == '-' || r == '.'
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, network := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"fc00::/7",
		"::1/128",
	} {
		_, cidr, err := net.ParseCIDR(network)
		if err != nil {
			continue
		}
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
