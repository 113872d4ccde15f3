// Package verify proves that whoever registered a website controls it,
// through a meta tag, a file at the site root, or a DNS TXT record.
package verify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"

	"tagaudit/internal/pkg/types"
	"tagaudit/internal/pkg/utils"
)

const (
	MetaName = "tag-audit-verification"
	FilePath = "/tag-audit-verification.txt"

	codeBytes      = 16
	defaultTimeout = 15 * time.Second
)

var (
	ErrNotVerified   = errors.New("verification code not found")
	ErrUnknownMethod = errors.New("unknown verification method")
	ErrUnreachable   = errors.New("website unreachable")
)

// Creates a random 32 character hex verification code.
func GenerateCode() (string, error) {
	buf := make([]byte, codeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating verification code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Markup the owner has to add to the home page head.
func MetaTag(code string) string {
	return fmt.Sprintf(`<meta name="%s" content="%s" />`, MetaName, code)
}

// Content of the file the owner has to serve at FilePath.
func FileContent(code string) string {
	return MetaName + ": " + code
}

// Value of the TXT record the owner has to publish.
func DNSRecord(code string) string {
	return MetaName + "=" + code
}

// Instructions for every method, returned to the owner at registration.
func Instructions(code string) map[types.VerificationMethod]string {
	return map[types.VerificationMethod]string{
		types.VerifyMetaTag: MetaTag(code),
		types.VerifyFile:    FileContent(code),
		types.VerifyDNS:     DNSRecord(code),
	}
}

// Looks up TXT records. *net.Resolver satisfies it.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type Verifier struct {
	resolver  TXTResolver
	userAgent string
	timeout   time.Duration
	log       *logrus.Entry
}

// Creates a verifier. A nil resolver uses net.DefaultResolver.
func NewVerifier(resolver TXTResolver, userAgent string, logger *logrus.Logger) *Verifier {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Verifier{
		resolver:  resolver,
		userAgent: userAgent,
		timeout:   defaultTimeout,
		log:       logger.WithField("component", "verify"),
	}
}

// Checks that siteURL proves ownership with code using method. Returns
// nil when verified and an error wrapping ErrNotVerified when the code is
// absent.
func (v *Verifier) Verify(ctx context.Context, siteURL string, method types.VerificationMethod, code string) error {
	log := v.log.WithFields(logrus.Fields{"url": siteURL, "method": method})

	var err error
	switch method {
	case types.VerifyMetaTag:
		err = v.verifyMetaTag(ctx, siteURL, code)
	case types.VerifyFile:
		err = v.verifyFile(ctx, siteURL, code)
	case types.VerifyDNS:
		err = v.verifyDNS(ctx, siteURL, code)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}

	if err != nil {
		log.WithError(err).Info("verification failed")
		return err
	}
	log.Info("website verified")
	return nil
}

func (v *Verifier) verifyMetaTag(ctx context.Context, siteURL, code string) error {
	found := false
	c := v.collector(ctx)
	c.OnHTML(`meta[name="`+MetaName+`"]`, func(e *colly.HTMLElement) {
		if strings.EqualFold(strings.TrimSpace(e.Attr("content")), code) {
			found = true
		}
	})

	if err := visit(c, siteURL); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("meta tag %q on %s: %w", MetaName, siteURL, ErrNotVerified)
	}
	return nil
}

func (v *Verifier) verifyFile(ctx context.Context, siteURL, code string) error {
	fileURL, err := utils.OriginURL(siteURL, FilePath)
	if err != nil {
		return err
	}

	var body string
	c := v.collector(ctx)
	c.OnResponse(func(r *colly.Response) {
		body = string(r.Body)
	})

	if err := visit(c, fileURL); err != nil {
		return err
	}
	if strings.TrimSpace(body) != FileContent(code) {
		return fmt.Errorf("file %s: %w", fileURL, ErrNotVerified)
	}
	return nil
}

// Looks for the record on the site's host, then on its registrable domain.
func (v *Verifier) verifyDNS(ctx context.Context, siteURL, code string) error {
	host, err := utils.GetDomainFromURL(siteURL)
	if err != nil {
		return err
	}
	registrable, err := utils.GetRegistrableDomain(siteURL)
	if err != nil {
		return err
	}

	names := []string{host}
	if registrable != host {
		names = append(names, registrable)
	}

	want := DNSRecord(code)
	var lookupErr error
	for _, name := range names {
		records, err := v.resolver.LookupTXT(ctx, name)
		if err != nil {
			lookupErr = err
			continue
		}
		for _, record := range records {
			if strings.TrimSpace(record) == want {
				return nil
			}
		}
	}

	if lookupErr != nil {
		return fmt.Errorf("TXT record on %s: %w (last lookup error: %v)", strings.Join(names, ", "), ErrNotVerified, lookupErr)
	}
	return fmt.Errorf("TXT record on %s: %w", strings.Join(names, ", "), ErrNotVerified)
}

// Static fetcher for verification pages; verification never needs a browser.
func (v *Verifier) collector(ctx context.Context) *colly.Collector {
	opts := []colly.CollectorOption{
		colly.AllowURLRevisit(),
		colly.MaxBodySize(2 * 1024 * 1024),
	}
	if v.userAgent != "" {
		opts = append(opts, colly.UserAgent(v.userAgent))
	}
	c := colly.NewCollector(opts...)
	c.SetRequestTimeout(requestTimeout(ctx, v.timeout))
	return c
}

func visit(c *colly.Collector, target string) error {
	var visitErr error
	c.OnError(func(r *colly.Response, err error) {
		// The site answered but has no such page
		if r.StatusCode >= 400 && r.StatusCode < 500 {
			visitErr = fmt.Errorf("%w: %s returned status %d", ErrNotVerified, r.Request.URL, r.StatusCode)
			return
		}
		visitErr = fmt.Errorf("%w: fetching %s (status %d): %w", ErrUnreachable, r.Request.URL, r.StatusCode, err)
	})
	if err := c.Visit(target); err != nil {
		if visitErr != nil {
			return visitErr
		}
		return fmt.Errorf("%w: fetching %s: %w", ErrUnreachable, target, err)
	}
	c.Wait()
	return visitErr
}

// Shrinks fallback to whatever is left of ctx's deadline.
func requestTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return fallback
	}
	if left := time.Until(deadline); left < fallback {
		return max(left, time.Millisecond)
	}
	return fallback
}
