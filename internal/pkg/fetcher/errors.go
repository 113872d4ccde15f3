package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Why a fetch failed.
type Reason string

const (
	ReasonTimeout    Reason = "timeout"
	ReasonDNS        Reason = "dns"
	ReasonConnection Reason = "connection"
	ReasonLaunch     Reason = "launch"
	ReasonNavigation Reason = "navigation"
	ReasonDisallowed Reason = "disallowed"
)

// Returned by every failed fetch. Fatal to the audit.
type FetchError struct {
	Reason Reason
	URL    string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed (%s): %v", e.URL, e.Reason, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Chrome net error codes, as reported in navigation error text.
var (
	dnsErrorCodes = []string{
		"ERR_NAME_NOT_RESOLVED",
		"ERR_NAME_RESOLUTION_FAILED",
	}
	connectionErrorCodes = []string{
		"ERR_CONNECTION_",
		"ERR_ADDRESS_UNREACHABLE",
		"ERR_INTERNET_DISCONNECTED",
		"ERR_NETWORK_CHANGED",
		"ERR_SSL_",
		"ERR_CERT_",
		"ERR_EMPTY_RESPONSE",
	}
	timeoutErrorCodes = []string{
		"ERR_TIMED_OUT",
	}
)

// Wraps err into a FetchError, working out the reason from its chain.
// fallback is used when nothing more specific matches.
func classify(url string, err error, fallback Reason) *FetchError {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr
	}
	return &FetchError{Reason: reasonFor(err, fallback), URL: url, Err: err}
}

func reasonFor(err error, fallback Reason) Reason {
	if errors.Is(err, ErrCrawlingDisallowed) {
		return ReasonDisallowed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return ReasonTimeout
		}
		return ReasonDNS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ReasonConnection
	}

	message := err.Error()
	switch {
	case containsAny(message, dnsErrorCodes):
		return ReasonDNS
	case containsAny(message, timeoutErrorCodes):
		return ReasonTimeout
	case containsAny(message, connectionErrorCodes):
		return ReasonConnection
	}
	return fallback
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
