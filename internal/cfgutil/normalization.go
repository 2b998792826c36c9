// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// NormalizeAddress returns the normalized form of the address, adding a default
// port if necessary.  An error is returned if the address, even without a port,
// is not valid.
func NormalizeAddress(addr string, defaultPort string) (hostport string, err error) {
	// If the first SplitHostPort errors because of a missing port and not
	// for an invalid host, add the port.  If the second SplitHostPort
	// fails, then a port is not missing and the original error should be
	// returned.
	host, port, origErr := net.SplitHostPort(addr)
	if origErr == nil {
		return net.JoinHostPort(host, port), nil
	}
	addr = net.JoinHostPort(addr, defaultPort)
	_, _, err = net.SplitHostPort(addr)
	if err != nil {
		return "", origErr
	}
	return addr, nil
}

// NormalizeRelayURL returns the canonical form of a relay URL.  A bare host
// is assumed to speak TLS websockets.  Only ws and wss schemes are accepted.
func NormalizeRelayURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty relay url")
	}
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("relay url %q: unsupported scheme %q",
			raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q: missing host", raw)
	}
	u.Host = strings.ToLower(u.Host)
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

// NormalizeRelayURLs normalizes every relay URL and removes duplicates while
// keeping the first occurrence order.
func NormalizeRelayURLs(raws []string) ([]string, error) {
	var (
		normalized = make([]string, 0, len(raws))
		seenSet    = make(map[string]struct{})
	)

	for _, raw := range raws {
		relayURL, err := NormalizeRelayURL(raw)
		if err != nil {
			return nil, err
		}
		if _, seen := seenSet[relayURL]; !seen {
			normalized = append(normalized, relayURL)
			seenSet[relayURL] = struct{}{}
		}
	}

	return normalized, nil
}
