package dialstring

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	scrapeTimeout  = 3 * time.Second
	scrapeCacheTTL = 7 * 24 * time.Hour
	scrapeCacheLen = 256
)

// Scraper resolves scrape-deferred invite links with an outbound fetch.
// Results are cached per URL so repeated syncs of the same invite do not
// hammer the vendor APIs.
type Scraper struct {
	client  *http.Client
	limiter *rate.Limiter
	cache   *expirable.LRU[string, Result]
}

// NewScraper creates a Scraper with its own short-timeout HTTP client.
func NewScraper() *Scraper {
	return &Scraper{
		client:  &http.Client{Timeout: scrapeTimeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 2),
		cache:   expirable.NewLRU[string, Result](scrapeCacheLen, nil, scrapeCacheTTL),
	}
}

// Resolve completes the dial-string behind a starleaf or webex link.
func (s *Scraper) Resolve(ctx context.Context, rawURL string) (Result, error) {
	key := cacheKey(rawURL)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	var res Result
	var err error
	switch {
	case starleafMeetRe.MatchString(rawURL):
		res, err = s.resolveStarLeaf(ctx, rawURL)
	case webexJoinRe.MatchString(rawURL):
		res, err = s.resolveWebexJoin(ctx, rawURL)
	case webexMeetLinkRe.MatchString(rawURL):
		res, err = s.resolveWebexMeetingLink(ctx, rawURL)
	default:
		return Result{}, fmt.Errorf("no scraper for url %s", rawURL)
	}
	if err != nil {
		return Result{}, err
	}
	s.cache.Add(key, res)
	return res, nil
}

func cacheKey(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// resolveStarLeaf asks the StarLeaf webrtc API for the org domain behind a
// meeting number, falling back to scanning the meeting page.
func (s *Scraper) resolveStarLeaf(ctx context.Context, rawURL string) (Result, error) {
	m := starleafMeetRe.FindStringSubmatch(rawURL)
	num := m[1]

	apiURL := "https://api.starleaf.com/v1/webrtc/org_domain?target=" + url.QueryEscape(num)
	body, err := s.fetch(ctx, apiURL)
	if err == nil {
		var resp struct {
			OrgDomain string `json:"org_domain"`
		}
		if jsonErr := json.Unmarshal(body, &resp); jsonErr == nil && resp.OrgDomain != "" {
			return Result{Kind: KindDial, DialString: num + "@" + resp.OrgDomain}, nil
		}
	}

	body, err = s.fetch(ctx, rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("fetching starleaf page: %w", err)
	}
	if d := starleafOrgDomainRe.FindSubmatch(body); d != nil {
		return Result{Kind: KindDial, DialString: num + "@" + string(d[1])}, nil
	}
	return Result{}, fmt.Errorf("no org domain for starleaf meeting %s", num)
}

var starleafOrgDomainRe = regexp.MustCompile(`"org_domain"\s*:\s*"([\w.-]+)"`)

// resolveWebexJoin uses the Webex personal-room view API.
func (s *Scraper) resolveWebexJoin(ctx context.Context, rawURL string) (Result, error) {
	m := webexJoinRe.FindStringSubmatch(rawURL)
	site, slug := m[1], m[2]

	apiURL := fmt.Sprintf("https://%s.webex.com/api/v1/pmr/view?userName=%s&siteUrl=%s.webex.com",
		site, url.QueryEscape(slug), site)
	body, err := s.fetch(ctx, apiURL)
	if err == nil {
		var resp struct {
			SIPURL string `json:"sipUrl"`
		}
		if jsonErr := json.Unmarshal(body, &resp); jsonErr == nil && resp.SIPURL != "" {
			return Result{Kind: KindDial, DialString: strings.TrimPrefix(resp.SIPURL, "sip:")}, nil
		}
	}
	return Result{Kind: KindDial, DialString: slug + "." + site + "@webex.com"}, nil
}

// resolveWebexMeetingLink fetches the scheduled-meeting page and picks the
// SIP address out of the join instructions.
func (s *Scraper) resolveWebexMeetingLink(ctx context.Context, rawURL string) (Result, error) {
	body, err := s.fetch(ctx, rawURL)
	if err != nil {
		return Result{}, fmt.Errorf("fetching webex meeting page: %w", err)
	}
	if m := webexSIPRe.FindSubmatch(body); m != nil {
		return Result{Kind: KindDial, DialString: string(m[1]) + "@" + string(m[2]) + ".webex.com"}, nil
	}
	return Result{}, fmt.Errorf("no sip address on webex meeting page")
}

func (s *Scraper) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
