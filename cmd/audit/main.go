// Command audit runs one tag audit against a URL and prints the result as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"tagaudit/internal/pkg/auditor"
	"tagaudit/internal/pkg/fetcher"
	"tagaudit/internal/pkg/logging"
	"tagaudit/internal/pkg/types"
)

func main() {
	url := flag.String("url", "", "page to audit, e.g. https://example.com")
	timeout := flag.Duration("timeout", auditor.DefaultTimeout, "overall audit deadline")
	robots := flag.Bool("robots", false, "refuse pages disallowed by robots.txt")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "usage: audit -url https://example.com [-timeout 45s]")
		os.Exit(2)
	}

	logger := logging.New(*logLevel, "text")
	agents, err := fetcher.LoadUserAgents()
	if err != nil {
		logger.WithError(err).Fatal("loading user agents")
	}

	navigation := *timeout * 3 / 4
	gate := fetcher.NewRobotsGate(&http.Client{Timeout: 10 * time.Second}, 5*time.Second, *robots)
	browser := fetcher.NewBrowserFetcher(fetcher.Options{
		Headless:          true,
		NoSandbox:         true,
		NavigationTimeout: navigation,
	}, gate, agents, logger)
	runner := auditor.New(browser, nil, auditor.Options{Timeout: *timeout, NavigationTimeout: navigation}, logger)

	result := runner.RunAudit(context.Background(), types.AuditTarget{URL: *url, Name: *url})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.WithError(err).Fatal("encoding result")
	}
	if result.Status != types.AuditSuccess {
		os.Exit(1)
	}
}
