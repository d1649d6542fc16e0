package dialstring

import (
	"context"
	"fmt"
	"log/slog"
)

// Extractor finds video dial-strings in invite text. The domain maps come
// from cluster settings and rewrite hosts seen in invites to their canonical
// form. When Debug is set a panicking matcher propagates instead of being
// skipped.
type Extractor struct {
	InternalDomains map[string]string
	WebDomains      map[string]string
	Scraper         *Scraper
	Debug           bool

	logger *slog.Logger
}

// New creates an Extractor.
func New(logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{logger: logger}
}

// Extract runs the matcher chain over text. fullText, when non-empty, is the
// complete original message and supplies extended context for matchers that
// need lines outside the current window, such as Zoom passcodes.
func (e *Extractor) Extract(ctx context.Context, text, fullText string) Result {
	return e.extract(ctx, text, fullText, true)
}

// ExtractNoScrape is Extract with outbound scraping disabled. Used once a
// dial-string has already been found elsewhere in the same message.
func (e *Extractor) ExtractNoScrape(ctx context.Context, text, fullText string) Result {
	return e.extract(ctx, text, fullText, false)
}

func (e *Extractor) extract(ctx context.Context, text, fullText string, scrapeAllowed bool) Result {
	plain := PlainText(text)
	full := plain
	if fullText != "" {
		full = PlainText(fullText)
	}
	lines := textLines(plain)

	var pending Result

	for i := range lines {
		window := lines[i]
		if i+1 < len(lines) {
			window += "\n" + lines[i+1]
		}
		res := e.runChain(window, full)
		if res.Empty() {
			continue
		}
		if res.NeedsScrape {
			if scrapeAllowed && e.Scraper != nil {
				if u := scrapeURL(window); u != "" {
					scraped, err := e.Scraper.Resolve(ctx, u)
					if err != nil {
						e.logger.Warn("dial-string scrape failed", "url", u, "error", err)
					} else {
						res.Merge(scraped)
					}
				}
			}
			scrapeAllowed = false
			if res.DialString == "" {
				// Scrape did not resolve. Remember the flag and keep
				// scanning later windows.
				pending.Merge(res)
				continue
			}
			res.NeedsScrape = false
		}
		res.Merge(pending)
		return res
	}

	for i := range lines {
		window := lines[i]
		if i+1 < len(lines) {
			window += "\n" + lines[i+1]
		}
		if res := matchFallback(e, window); !res.Empty() {
			res.Merge(pending)
			return res
		}
	}
	return pending
}

// runChain runs the matcher chain over one window, first non-empty wins.
func (e *Extractor) runChain(window, full string) Result {
	for _, m := range matchers {
		res, err := e.runMatcher(m.name, m.fn, window, full)
		if err != nil {
			e.logger.Error("dial-string matcher failed", "matcher", m.name, "error", err)
			continue
		}
		if !res.Empty() {
			return res
		}
	}
	return Result{}
}

func (e *Extractor) runMatcher(name string, fn func(*Extractor, string, string) Result, window, full string) (res Result, err error) {
	if !e.Debug {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("matcher %s panicked: %v", name, p)
			}
		}()
	}
	return fn(e, window, full), nil
}
