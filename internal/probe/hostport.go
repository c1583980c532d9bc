// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultSSHPort is used when neither the address nor the target names one.
const DefaultSSHPort = 22

// ParseHostPort splits "host", "host:port", "[v6]:port" or a bare IPv6
// address. The port is 0 when absent.
func ParseHostPort(s string) (string, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", 0, fmt.Errorf("empty address")
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port, or an unbracketed IPv6 literal.
		if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
			return strings.Trim(s, "[]"), 0, nil
		}
		if strings.Count(s, ":") > 1 || !strings.Contains(s, ":") {
			return s, 0, nil
		}
		return "", 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid address %q: empty host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return host, port, nil
}

// CanonicalizeHostPort returns "host:port" with the port defaulted to
// fallback (or 22) and the host lower-cased. It is the key used for
// known-host records.
func CanonicalizeHostPort(s string, fallback int) (string, error) {
	host, port, err := ParseHostPort(s)
	if err != nil {
		return "", err
	}
	if port == 0 {
		port = fallback
	}
	if port == 0 {
		port = DefaultSSHPort
	}
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(port)), nil
}
