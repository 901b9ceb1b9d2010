package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crawlfleet/internal/core/domain"
	"github.com/gocolly/colly/v2"
)

const defaultMaxResults = 20

// Fetcher executes one assigned job and returns its result document.
type Fetcher interface {
	Fetch(ctx context.Context, job domain.JobAssignedPayload) (json.RawMessage, error)
}

// FetchOptions are the job options the fetcher understands. Unknown keys are
// ignored.
type FetchOptions struct {
	URL        string `json:"url,omitempty"`
	MaxResults int    `json:"maxResults,omitempty"`
	// Timeout in milliseconds, as sent by the search endpoint.
	Timeout int64 `json:"timeout,omitempty"`
}

type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// FetchResult is what the agent reports as a completed job's data.
type FetchResult struct {
	Query      string `json:"query"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
	Title      string `json:"title,omitempty"`
	Links      []Link `json:"links"`
	DurationMs int64  `json:"duration_ms"`
}

type CollyConfig struct {
	// SearchURL is a fmt pattern with one %s for the escaped query. Used when
	// a job has no explicit url option.
	SearchURL string
	UserAgent string
	Timeout   time.Duration
}

// CollyFetcher visits the job's page with a colly collector and extracts the
// title and links.
type CollyFetcher struct {
	cfg  CollyConfig
	base *colly.Collector
}

func NewCollyFetcher(cfg CollyConfig) *CollyFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &CollyFetcher{cfg: cfg, base: c}
}

func (f *CollyFetcher) Fetch(ctx context.Context, job domain.JobAssignedPayload) (json.RawMessage, error) {
	var opts FetchOptions
	if len(job.Options) > 0 {
		if err := json.Unmarshal(job.Options, &opts); err != nil {
			return nil, fmt.Errorf("invalid options: %w", err)
		}
	}
	target, err := f.targetURL(job.Query, opts)
	if err != nil {
		return nil, err
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	timeout := f.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = min(timeout, time.Duration(opts.Timeout)*time.Millisecond)
	}

	start := time.Now()
	result := FetchResult{Query: job.Query, URL: target, Links: []Link{}}
	var fetchErr error

	collector := f.base.Clone()
	collector.SetRequestTimeout(timeout)
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	configureHooks(collector, &result, &fetchErr, maxResults)

	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		return nil, err
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return json.Marshal(result)
}

func (f *CollyFetcher) targetURL(query string, opts FetchOptions) (string, error) {
	if opts.URL != "" {
		u, err := url.Parse(opts.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "", fmt.Errorf("invalid url option %q", opts.URL)
		}
		return u.String(), nil
	}
	if f.cfg.SearchURL == "" {
		return "", fmt.Errorf("job has no url and no search endpoint is configured")
	}
	return fmt.Sprintf(f.cfg.SearchURL, url.QueryEscape(query)), nil
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

func configureHooks(hooks collectorHooks, result *FetchResult, fetchErr *error, maxResults int) {
	hooks.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.URL = r.Request.URL.String()
	})
	hooks.OnHTML("title", func(e *colly.HTMLElement) {
		if result.Title == "" {
			result.Title = strings.TrimSpace(e.Text)
		}
	})
	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if len(result.Links) >= maxResults {
			return
		}
		href := e.Request.AbsoluteURL(e.Attr("href"))
		if href == "" || strings.HasPrefix(href, "javascript:") {
			return
		}
		result.Links = append(result.Links, Link{Text: strings.TrimSpace(e.Text), Href: href})
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
