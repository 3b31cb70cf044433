// Package collyfetcher renders pages with a plain HTTP GET through gocolly.
// It is the cheap alternative to the headless renderer for pages that do not
// need JavaScript.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/app-usage-collector/internal/collector"
)

var _ collector.Renderer = (*Fetcher)(nil)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// Fetcher implements collector.Renderer using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Render executes a single HTTP GET and returns the body as the page.
func (f *Fetcher) Render(ctx context.Context, url string) (collector.Page, error) {
	page := collector.Page{RequestedURL: url}
	var fetchErr error

	c := f.buildCollector(&page, &fetchErr)
	if err := f.runCollector(ctx, c, url, &fetchErr); err != nil {
		return collector.Page{}, err
	}
	return page, nil
}

func (f *Fetcher) buildCollector(page *collector.Page, fetchErr *error) *colly.Collector {
	c := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)

	f.configureCollectorHooks(c, page, fetchErr)
	return c
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, page *collector.Page, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		page.URL = r.Request.URL.String()
		page.StatusCode = r.StatusCode
		page.HTML = string(r.Body)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		// Error statuses are still reported as a page; only transport failures are errors.
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, c *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
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
