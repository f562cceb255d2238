package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// RequestMeta carries the raw request attributes a fingerprint derives from.
type RequestMeta struct {
	UserAgent     string
	RemoteAddress string
}

// Device is the derived, stable-per-device identity of a caller. The
// fingerprint combines the user agent with a network-address hash so two
// browsers behind one NAT address still fingerprint differently.
type Device struct {
	Fingerprint string
	UserAgent   string
	AddrHash    string
	Browser     string
	OS          string
}

const fingerprintLength = 32

// Fingerprint derives a Device from request metadata. It is a pure function:
// identical inputs always produce the identical fingerprint.
func Fingerprint(meta RequestMeta) Device {
	userAgent := strings.TrimSpace(meta.UserAgent)
	addrHash := hashHex(strings.TrimSpace(meta.RemoteAddress))
	return Device{
		Fingerprint: hashHex(userAgent + "|" + addrHash)[:fingerprintLength],
		UserAgent:   userAgent,
		AddrHash:    addrHash,
		Browser:     classifyBrowser(userAgent),
		OS:          classifyOS(userAgent),
	}
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// classifyBrowser extracts a coarse browser family from a user-agent string.
// Order matters: Chrome-family agents also contain "Safari", and Edge also
// contains "Chrome".
func classifyBrowser(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge"):
		return "edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "chrome"):
		return "chrome"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "safari"):
		return "safari"
	default:
		return "unknown"
	}
}

func classifyOS(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		return "ios"
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "unknown"
	}
}
