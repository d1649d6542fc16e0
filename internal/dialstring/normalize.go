package dialstring

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"
)

var (
	schemeRe  = regexp.MustCompile(`(?i)^(?:sips?|h323|[a-z]{3,4}):(?://)?`)
	tagRe     = regexp.MustCompile(`(?s)<[^>]*>`)
	brRe      = regexp.MustCompile(`(?i)<(?:br|/p|/div|/tr|/li)[^>]*>`)
	anchorRe  = regexp.MustCompile(`(?is)<a\s[^>]*href=["']([^"']+)["'][^>]*>`)
	spacesRe  = regexp.MustCompile(`[ \t]+`)
	entityAmp = strings.NewReplacer("\u00a0", " ")
)

// Normalize canonicalizes a raw dial target: scheme prefix and trailing
// parameters are stripped, the port is dropped when no user part is present,
// and internal domains are rewritten to their canonical form.
func (e *Extractor) Normalize(target string) string {
	t := strings.TrimSpace(target)
	t = schemeRe.ReplaceAllString(t, "")
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	if !strings.Contains(t, "@") {
		if i := strings.LastIndexByte(t, ':'); i >= 0 {
			t = t[:i]
		}
	}
	t = strings.TrimSpace(t)
	return e.rewriteInternalDomain(t)
}

// AddClusterDomains registers a cluster's domain rewrites. webDomainsJSON
// is a JSON array of web-app hostnames; each entry is rewritten to
// mainDomain, both as a URL host and as the domain part of a dial target.
func (e *Extractor) AddClusterDomains(webDomainsJSON, mainDomain string) error {
	mainDomain = strings.ToLower(strings.TrimSpace(mainDomain))
	if mainDomain == "" || webDomainsJSON == "" {
		return nil
	}
	var hosts []string
	if err := json.Unmarshal([]byte(webDomainsJSON), &hosts); err != nil {
		return fmt.Errorf("parsing web domains: %w", err)
	}
	if e.WebDomains == nil {
		e.WebDomains = make(map[string]string)
	}
	if e.InternalDomains == nil {
		e.InternalDomains = make(map[string]string)
	}
	for _, h := range hosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || h == mainDomain {
			continue
		}
		e.WebDomains[h] = mainDomain
		e.InternalDomains[h] = mainDomain
	}
	return nil
}

// rewriteInternalDomain maps a "seen" domain to its canonical domain.
func (e *Extractor) rewriteInternalDomain(target string) string {
	if len(e.InternalDomains) == 0 {
		return target
	}
	at := strings.LastIndexByte(target, '@')
	if at < 0 {
		return target
	}
	domain := strings.ToLower(target[at+1:])
	if canonical, ok := e.InternalDomains[domain]; ok && canonical != "" {
		return target[:at+1] + canonical
	}
	return target
}

// rewriteWebDomain maps a known cluster web-app host to the cluster's main
// domain.
func (e *Extractor) rewriteWebDomain(host string) string {
	if canonical, ok := e.WebDomains[strings.ToLower(host)]; ok && canonical != "" {
		return canonical
	}
	return host
}

// PlainText flattens an HTML body to plain text. Non-HTML input is returned
// unchanged apart from entity decoding.
func PlainText(body string) string {
	if !strings.Contains(body, "<") {
		return entityAmp.Replace(html.UnescapeString(body))
	}
	s := brRe.ReplaceAllString(body, "\n")
	s = anchorRe.ReplaceAllString(s, "\n$1\n")
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = entityAmp.Replace(s)
	return spacesRe.ReplaceAllString(s, " ")
}

// lines splits text into trimmed non-empty lines.
func textLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
