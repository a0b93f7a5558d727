// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ConnKey identifies the endpoint a [*Conn] is connected to.
//
// Two transfers may share a connection only when their keys are equal
// and their security identities match (see [*Conn.IsReusableFor]).
type ConnKey struct {
	// Scheme is the lowercase URL scheme (e.g., "https").
	Scheme string

	// Host is the lowercase host name or IP address, without brackets.
	Host string

	// Port is the TCP port.
	Port uint16
}

// defaultPorts maps the URL schemes we know about to their default port.
var defaultPorts = map[string]uint16{
	"ftp":   21,
	"http":  80,
	"https": 443,
	"imap":  143,
	"imaps": 993,
	"pop3":  110,
	"pop3s": 995,
	"ws":    80,
	"wss":   443,
}

// NewConnKey builds the [ConnKey] for the given URL.
//
// The port defaults to the scheme's well-known port. URLs whose scheme
// has no well-known port must carry an explicit port.
func NewConnKey(u *url.URL) (ConnKey, error) {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" {
		return ConnKey{}, invalidOptionf("URL %q has no scheme", u.String())
	}
	if host == "" {
		return ConnKey{}, invalidOptionf("URL %q has no host", u.String())
	}
	if sport := u.Port(); sport != "" {
		port, err := strconv.ParseUint(sport, 10, 16)
		if err != nil || port == 0 {
			return ConnKey{}, invalidOptionf("URL %q has invalid port", u.String())
		}
		return ConnKey{Scheme: scheme, Host: host, Port: uint16(port)}, nil
	}
	port, found := defaultPorts[scheme]
	if !found {
		return ConnKey{}, invalidOptionf("URL %q: unsupported scheme without explicit port", u.String())
	}
	return ConnKey{Scheme: scheme, Host: host, Port: port}, nil
}

// Site returns the key's "host:port" string, as used by reuse blocklists.
func (k ConnKey) Site() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(int(k.Port)))
}

// String returns "scheme://host:port".
func (k ConnKey) String() string {
	return k.Scheme + "://" + k.Site()
}

// Secure returns whether the scheme requires TLS.
func (k ConnKey) Secure() bool {
	switch k.Scheme {
	case "https", "imaps", "pop3s", "wss":
		return true
	default:
		return false
	}
}

// Security identities of a [*Conn].
const (
	SecurityPlain       = "plain"
	SecurityTLS         = "tls"
	SecurityTLSInsecure = "tls-insecure"
)

// securityFor returns the security identity a transfer needs.
//
// A connection established without certificate verification must never
// serve a transfer that asked for verification, hence the distinct value.
func securityFor(key ConnKey, insecure bool) string {
	switch {
	case !key.Secure():
		return SecurityPlain
	case insecure:
		return SecurityTLSInsecure
	default:
		return SecurityTLS
	}
}
