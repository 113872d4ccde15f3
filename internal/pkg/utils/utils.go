package utils

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	ErrNotAbsolute       = errors.New("url must be absolute")
	ErrUnsupportedScheme = errors.New("only http and https urls are supported")
)

// Extracts the host domain from a URL, without a leading "www.".
func GetDomainFromURL(inputURL string) (string, error) {
	parsedURL, err := url.Parse(withScheme(inputURL))
	if err != nil {
		return "", fmt.Errorf("error parsing URL %q: %w", inputURL, err)
	}
	return strings.TrimPrefix(parsedURL.Hostname(), "www."), nil
}

// Returns the registrable domain (eTLD+1) of a URL, falling back to the host.
func GetRegistrableDomain(inputURL string) (string, error) {
	host, err := GetDomainFromURL(inputURL)
	if err != nil {
		return "", err
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host, nil
	}
	return registrable, nil
}

// Normalizes a user supplied website URL: adds a missing https scheme,
// lowercases the host, strips the fragment and a trailing slash on the root path.
func NormalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", ErrNotAbsolute
	}
	parsedURL, err := url.Parse(withScheme(rawURL))
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if err := checkAbsolute(parsedURL); err != nil {
		return "", err
	}
	parsedURL.Host = strings.ToLower(parsedURL.Host)
	parsedURL.Fragment = ""
	if parsedURL.Path == "/" {
		parsedURL.Path = ""
	}
	return parsedURL.String(), nil
}

// Checks that a URL is absolute and uses http or https. Unlike NormalizeURL
// it does not add a missing scheme.
func ValidateAuditURL(rawURL string) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	return checkAbsolute(parsedURL)
}

// Resolves path against the origin of base, e.g. ("https://a.com/x", "/robots.txt").
func OriginURL(base, path string) (string, error) {
	parsedURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", base, err)
	}
	return parsedURL.Scheme + "://" + parsedURL.Host + path, nil
}

func checkAbsolute(parsedURL *url.URL) error {
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return ErrNotAbsolute
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsedURL.Scheme)
	}
	return nil
}

func withScheme(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		return "https://" + rawURL
	}
	return rawURL
}
