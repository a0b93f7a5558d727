// SPDX-License-Identifier: GPL-3.0-or-later

package xfer

import (
	"context"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/dnsoverhttps"
)

// DNSOverHTTPSConn exchanges DNS messages with a DoH endpoint over an
// owned [*HTTPConn].
//
// Construct using [NewDNSOverHTTPSConnFunc].
type DNSOverHTTPSConn struct {
	hc  *HTTPConn
	url string

	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time
}

var _ DNSExchanger = &DNSOverHTTPSConn{}

// Close closes the underlying [*HTTPConn].
func (c *DNSOverHTTPSConn) Close() error {
	return c.hc.Close()
}

// Exchange sends query and returns the validated response.
func (c *DNSOverHTTPSConn) Exchange(ctx context.Context, query *dnscodec.Query) (*dnscodec.Response, error) {
	lc := newDNSExchangeLogContext(c.hc.Conn(), DNSProtocolHTTPS, c.ErrClassifier, c.Logger, c.TimeNow)
	lc.logStart(ctx)
	resp, err := c.exchange(ctx, query, lc)
	lc.logDone(err)
	return resp, err
}

func (c *DNSOverHTTPSConn) exchange(ctx context.Context,
	query *dnscodec.Query, lc *dnsExchangeLogContext) (*dnscodec.Response, error) {
	httpReq, queryMsg, err := dnsoverhttps.NewRequestWithHook(ctx, query, c.url, lc.observeQuery)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.hc.RoundTrip(httpReq)
	if err != nil {
		return nil, err
	}
	return dnsoverhttps.ReadResponseWithHook(ctx, httpResp, queryMsg, lc.observeResponse)
}

// DNSOverHTTPSConnFunc wraps an [*HTTPConn] into a [*DNSOverHTTPSConn].
//
// All fields are safe to modify after construction but before first use.
type DNSOverHTTPSConnFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSOverHTTPSConnFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewDNSOverHTTPSConnFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewDNSOverHTTPSConnFunc] from [Config.TimeNow].
	TimeNow func() time.Time

	// URL is the DoH endpoint (e.g., "https://dns.google/dns-query").
	//
	// Set by [NewDNSOverHTTPSConnFunc] to the user-provided value.
	URL string
}

// NewDNSOverHTTPSConnFunc returns a new [*DNSOverHTTPSConnFunc].
func NewDNSOverHTTPSConnFunc(cfg *Config, url string, logger SLogger) *DNSOverHTTPSConnFunc {
	return &DNSOverHTTPSConnFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		URL:           url,
	}
}

var _ Func[*HTTPConn, *DNSOverHTTPSConn] = &DNSOverHTTPSConnFunc{}

// Call implements [Func].
func (op *DNSOverHTTPSConnFunc) Call(ctx context.Context, hc *HTTPConn) (*DNSOverHTTPSConn, error) {
	return &DNSOverHTTPSConn{
		hc:            hc,
		url:           op.URL,
		ErrClassifier: op.ErrClassifier,
		Logger:        op.Logger,
		TimeNow:       op.TimeNow,
	}, nil
}
