// Package safehttp hardens the gateway's outbound HTTP paths (the OAuth
// token endpoint and provider APIs) against SSRF.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// SafeTransport rejects connections to private or loopback IP ranges to
// reduce SSRF risk. Token-endpoint and provider URLs come from
// configuration, but configuration is operator input, not trusted code.
var SafeTransport = &http.Transport{
	DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		ip := net.ParseIP(host)
		if ip == nil {
			conn.Close()
			return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
		}

		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
			conn.Close()
			return nil, fmt.Errorf("access to private IP %s is denied", ip)
		}

		return conn, nil
	},
}

// Client returns an HTTP client on the safe transport with the given
// overall timeout.
func Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: SafeTransport,
		Timeout:   timeout,
	}
}
