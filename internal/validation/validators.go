// Package validation holds input checks shared by the configuration loader,
// the workflow registry and the HTTP API.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Valid name: starts alphanumeric, then alphanumeric, dash, underscore or dot
	nameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

	// Instance and process ids: prefix, underscore, hex or uuid text
	idRegex = regexp.MustCompile(`^[a-z]+_[a-zA-Z0-9-]+$`)

	// Dangerous characters that should never appear in names
	dangerousChars = []string{";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}
)

// MaxNameLength bounds process and workflow names.
const MaxNameLength = 64

// MaxSocketPath is the longest unix socket path accepted on every platform
// (sun_path is 104 bytes on darwin and the BSDs, 108 on linux).
const MaxSocketPath = 103

// ValidateName validates a process or workflow definition name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if len(name) > MaxNameLength {
		return fmt.Errorf("name too long (max %d characters): %s", MaxNameLength, name)
	}

	for _, char := range dangerousChars {
		if strings.Contains(name, char) {
			return fmt.Errorf("name contains dangerous character: %s", char)
		}
	}

	if !nameRegex.MatchString(name) {
		return fmt.Errorf("invalid name: %s (must be alphanumeric with -_.)", name)
	}

	return nil
}

// ValidateID validates an instance or process id taken from a request path.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if len(id) > 128 || !idRegex.MatchString(id) {
		return fmt.Errorf("invalid id: %s", SanitizeString(id))
	}
	return nil
}

// ValidateSocketDir validates a directory that will hold unix sockets.
// The longest socket we create inside it is dir + "/" + reserve bytes.
func ValidateSocketDir(dir string, reserve int) error {
	if dir == "" {
		return fmt.Errorf("socket directory cannot be empty")
	}

	if strings.Contains(dir, "\x00") {
		return fmt.Errorf("null byte in path")
	}

	if strings.Contains(dir, "..") {
		return fmt.Errorf("path traversal not allowed: %s", dir)
	}

	clean := filepath.Clean(dir)
	if !filepath.IsAbs(clean) {
		return fmt.Errorf("socket directory must be absolute: %s", dir)
	}

	if n := len(clean) + 1 + reserve; n > MaxSocketPath {
		return fmt.Errorf("socket directory too long: sockets would be %d bytes (max %d)", n, MaxSocketPath)
	}

	return nil
}

// ValidateAllowlist checks if a value is in an allowed list
func ValidateAllowlist(value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("value %q not in allowlist (%s)", value, strings.Join(allowed, ", "))
}

// ValidatePortRange validates an inclusive TCP port range. Zero means unset.
func ValidatePortRange(lo, hi int) error {
	if lo < 0 || hi < 0 || lo > 65535 || hi > 65535 {
		return fmt.Errorf("invalid port range %d-%d (must be 1-65535)", lo, hi)
	}
	if lo != 0 && hi != 0 && lo > hi {
		return fmt.Errorf("invalid port range %d-%d (min above max)", lo, hi)
	}
	return nil
}

// SanitizeString removes dangerous characters from a string (for display purposes)
func SanitizeString(s string) string {
	for _, char := range dangerousChars {
		s = strings.ReplaceAll(s, char, "")
	}
	return s
}
