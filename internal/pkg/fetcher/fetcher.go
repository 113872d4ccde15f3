// Package fetcher loads pages in a headless browser and returns the
// rendered markup.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

// Fetches the fully rendered markup of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) (string, error)
}

type Options struct {
	Headless  bool
	NoSandbox bool
	// Chrome binary to launch. Empty means let chromedp find one.
	ExecPath string
	// Used when Fetch is called without a timeout.
	NavigationTimeout time.Duration
}

// Fetcher backed by a fresh Chrome process per call.
type BrowserFetcher struct {
	opts   Options
	gate   *RobotsGate
	agents *UserAgents
	log    *logrus.Entry
}

// Creates a browser fetcher. gate may be nil to skip robots.txt handling.
func NewBrowserFetcher(opts Options, gate *RobotsGate, agents *UserAgents, logger *logrus.Logger) *BrowserFetcher {
	return &BrowserFetcher{
		opts:   opts,
		gate:   gate,
		agents: agents,
		log:    logger.WithField("component", "fetcher"),
	}
}

// Navigates to url, waits until the network goes idle and returns the
// page's outer HTML. Chrome is torn down before returning, on every path.
func (f *BrowserFetcher) Fetch(ctx context.Context, url string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = f.opts.NavigationTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	userAgent := f.agents.Random()
	log := f.log.WithField("url", url)

	if f.gate != nil {
		if err := f.gate.Wait(ctx, url, userAgent); err != nil {
			return "", f.fail(ctx, url, err, ReasonNavigation)
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, f.allocatorOptions(userAgent)...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	startTime := time.Now()
	if err := chromedp.Run(browserCtx); err != nil {
		return "", f.fail(ctx, url, fmt.Errorf("failed to start Chrome: %w", err), ReasonLaunch)
	}

	idle := waitForNetworkIdle(browserCtx)

	var content string
	err := chromedp.Run(browserCtx,
		page.SetLifecycleEventsEnabled(true),
		chromedp.ActionFunc(func(context.Context) error {
			idle.arm()
			return nil
		}),
		chromedp.Navigate(url),
		chromedp.ActionFunc(idle.wait),
		chromedp.OuterHTML("html", &content, chromedp.ByQuery),
	)
	if err != nil {
		return "", f.fail(ctx, url, err, ReasonNavigation)
	}

	log.WithFields(logrus.Fields{
		"duration": time.Since(startTime),
		"bytes":    len(content),
	}).Debug("page rendered")
	return content, nil
}

func (f *BrowserFetcher) allocatorOptions(userAgent string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.UserAgent(userAgent),
	)
	if !f.opts.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if f.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if f.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.opts.ExecPath))
	}
	return opts
}

// Converts err into a FetchError. An expired deadline always wins over
// whatever error chromedp surfaced for it.
func (f *BrowserFetcher) fail(ctx context.Context, url string, err error, fallback Reason) error {
	fetchErr := classify(url, err, fallback)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		fetchErr.Reason = ReasonTimeout
	}
	f.log.WithFields(logrus.Fields{
		"url":    url,
		"reason": fetchErr.Reason,
	}).WithError(err).Warn("fetch failed")
	return fetchErr
}

// Tracks the networkIdle lifecycle event of the document loaded after arm.
type networkIdle struct {
	armed  atomic.Bool
	inited atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func waitForNetworkIdle(ctx context.Context) *networkIdle {
	idle := &networkIdle{done: make(chan struct{})}
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		event, ok := ev.(*page.EventLifecycleEvent)
		if !ok || !idle.armed.Load() {
			return
		}
		switch event.Name {
		case "init":
			idle.inited.Store(true)
		case "networkIdle":
			if idle.inited.Load() {
				idle.once.Do(func() { close(idle.done) })
			}
		}
	})
	return idle
}

func (n *networkIdle) arm() {
	n.armed.Store(true)
}

func (n *networkIdle) wait(ctx context.Context) error {
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
