package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

var ErrCrawlingDisallowed = errors.New("crawling disallowed by robots.txt")

const robotsRefreshInterval = 24 * time.Hour

// Cached robots.txt state for one host.
type RobotsData struct {
	group         *robotstxt.Group
	crawlDelay    time.Duration
	lastAccess    time.Time
	robotsFetched time.Time
	mu            sync.Mutex
}

// Politeness gate: honours robots.txt Crawl-delay per host, and
// optionally its Disallow rules.
type RobotsGate struct {
	client    *http.Client
	maxDelay  time.Duration
	enforce   bool
	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	cache     map[string]*RobotsData
	cacheLock sync.Mutex
}

// Creates a gate. maxDelay caps any Crawl-delay a site asks for;
// enforce makes Disallow rules block the fetch.
func NewRobotsGate(client *http.Client, maxDelay time.Duration, enforce bool) *RobotsGate {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsGate{
		client:   client,
		maxDelay: maxDelay,
		enforce:  enforce,
		now:      time.Now,
		sleep:    sleepContext,
		cache:    make(map[string]*RobotsData),
	}
}

// Checks if fetching is permitted for the given URL
// and enforces the Crawl-delay specified in robots.txt.
func (g *RobotsGate) Wait(ctx context.Context, targetURL, userAgent string) error {
	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return err
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("url %q has no host", targetURL)
	}

	g.cacheLock.Lock()
	robotsData, exists := g.cache[parsedURL.Host]
	if !exists {
		robotsData = &RobotsData{}
		g.cache[parsedURL.Host] = robotsData
	}
	g.cacheLock.Unlock()

	robotsData.mu.Lock()
	defer robotsData.mu.Unlock()

	if robotsData.robotsFetched.IsZero() || g.now().Sub(robotsData.robotsFetched) > robotsRefreshInterval {
		g.fetchRobotsData(ctx, parsedURL, userAgent, robotsData)
	}

	if g.enforce && robotsData.group != nil && !robotsData.group.Test(parsedURL.EscapedPath()) {
		return ErrCrawlingDisallowed
	}

	// Enforce crawl delay
	now := g.now()
	waitTime := robotsData.crawlDelay - now.Sub(robotsData.lastAccess)
	if waitTime > 0 {
		if waitTime > robotsData.crawlDelay {
			// Clock went backwards
			waitTime = robotsData.crawlDelay
		}
		if err := g.sleep(ctx, waitTime); err != nil {
			return err
		}
		robotsData.lastAccess = now.Add(waitTime)
	} else {
		robotsData.lastAccess = now
	}

	return nil
}

// Fetches and parses robots.txt for the host. A missing or broken
// robots.txt allows everything with no delay.
func (g *RobotsGate) fetchRobotsData(ctx context.Context, parsedURL *url.URL, userAgent string, robotsData *RobotsData) {
	robotsData.group = nil
	robotsData.crawlDelay = 0
	robotsData.robotsFetched = g.now()

	robotsURL := parsedURL.Scheme + "://" + parsedURL.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return
	}

	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		return
	}

	// FindGroup falls back to the "*" group itself
	group := robots.FindGroup(userAgent)
	if group == nil {
		return
	}
	robotsData.group = group
	robotsData.crawlDelay = min(max(group.CrawlDelay, 0), g.maxDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
