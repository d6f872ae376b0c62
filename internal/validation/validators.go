// Package validation checks operator-supplied values that end up in
// firewall rules or on a VPN client's command line.
package validation

import (
	"net/netip"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"grimm.is/hostguard/internal/errors"
)

var (
	// Alphanumeric, dash, underscore, dot (for VLANs), max 15 chars.
	interfaceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]{1,15}$`)

	countryCodeRegex = regexp.MustCompile(`^[A-Z]{2}$`)

	// Characters that should never appear in anything passed to a process.
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r", "\x00"}
)

// InterfaceName validates a network interface name.
func InterfaceName(name string) error {
	if name == "" {
		return errors.New(errors.KindValidation, "interface name cannot be empty")
	}
	if len(name) > 15 {
		return errors.Errorf(errors.KindValidation, "interface name too long (max 15 characters): %s", name)
	}
	if !interfaceNameRegex.MatchString(name) {
		return errors.Errorf(errors.KindValidation, "invalid interface name: %q (must be alphanumeric with -_.)", name)
	}
	return nil
}

// Executable validates a VPN client binary: either a bare command name
// resolved through PATH or an absolute path, free of shell metacharacters.
func Executable(path string) error {
	if path == "" {
		return errors.New(errors.KindValidation, "executable cannot be empty")
	}
	if strings.ContainsRune(path, '/') && !filepath.IsAbs(path) {
		return errors.Errorf(errors.KindValidation, "executable %q must be a command name or an absolute path", path)
	}
	return checkPath("executable", path)
}

// ConfigPath validates a VPN client configuration file path.
func ConfigPath(path string) error {
	if path == "" {
		return errors.New(errors.KindValidation, "config path cannot be empty")
	}
	return checkPath("config path", path)
}

func checkPath(what, path string) error {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return errors.Errorf(errors.KindValidation, "%s %q: path traversal not allowed", what, path)
		}
	}
	if c := dangerous(path); c != "" {
		return errors.Errorf(errors.KindValidation, "%s %q contains dangerous character %q", what, path, c)
	}
	return nil
}

// CountryCode normalizes and validates an ISO 3166 alpha-2 code.
func CountryCode(code string) (string, error) {
	upper := strings.ToUpper(strings.TrimSpace(code))
	if !countryCodeRegex.MatchString(upper) {
		return "", errors.Errorf(errors.KindValidation, "%q is not an ISO 3166 alpha-2 code", code)
	}
	return upper, nil
}

// PortNumber validates a TCP/UDP port number.
func PortNumber(port int) error {
	if port < 1 || port > 65535 {
		return errors.Errorf(errors.KindValidation, "invalid port number: %d (must be 1-65535)", port)
	}
	return nil
}

// Protocol validates a transport protocol name as used in endpoints.
func Protocol(proto string) error {
	switch strings.ToLower(proto) {
	case "tcp", "udp":
		return nil
	}
	return errors.Errorf(errors.KindValidation, "invalid protocol: %q (must be tcp or udp)", proto)
}

// LocalOrigin reports whether a browser Origin header may drive the local
// API: the origin must be http(s) and either name a loopback host or match
// the request's Host exactly. An empty origin (non-browser client) passes.
func LocalOrigin(origin, requestHost string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, requestHost) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}

// SanitizeString removes dangerous characters from a string (for display purposes).
func SanitizeString(s string) string {
	for _, char := range dangerousChars {
		s = strings.ReplaceAll(s, char, "")
	}
	return s
}

func dangerous(s string) string {
	for _, c := range dangerousChars {
		if strings.Contains(s, c) {
			return c
		}
	}
	return ""
}
