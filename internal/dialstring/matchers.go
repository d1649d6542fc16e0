package dialstring

import (
	"net/url"
	"regexp"
	"strings"
)

// The matcher chain. Order matters: the first matcher returning a non-empty
// result wins for a given window.
var matchers = []struct {
	name string
	fn   func(e *Extractor, window, full string) Result
}{
	{"cms_webapp", matchCMSWebApp},
	{"pexip_webapp", matchPexipWebApp},
	{"lifesize", matchLifesize},
	{"bluejeans", matchBlueJeans},
	{"teams", matchTeams},
	{"webex", matchWebex},
	{"zoom", matchZoom},
	{"scrape_deferred", matchScrapeDeferred},
}

var (
	cmsInvitedRe = regexp.MustCompile(`https?://([\w.-]+)(?::\d+)?/invited\.sf\?[^\s<>"']*\bid=([\w.]+)`)
	cmsIndexRe   = regexp.MustCompile(`https?://([\w.-]+)(?::\d+)?/index\.html\?id=(\d+)`)
	cmsMeetingRe = regexp.MustCompile(`https?://([\w.-]+)(?::\d+)?/meeting/(\d+)`)
)

// matchCMSWebApp handles Cisco Meeting Server web-app invite links.
func matchCMSWebApp(e *Extractor, window, _ string) Result {
	for _, re := range []*regexp.Regexp{cmsInvitedRe, cmsIndexRe, cmsMeetingRe} {
		if m := re.FindStringSubmatch(window); m != nil {
			host := e.rewriteWebDomain(m[1])
			return Result{Kind: KindDial, DialString: e.Normalize(m[2] + "@" + host)}
		}
	}
	return Result{}
}

var (
	pexipConfParamRe = regexp.MustCompile(`https?://([\w.-]+)(?::\d+)?/webapp/[^\s<>"']*[?&]conference=([\w.@-]+)`)
	pexipConfPathRe  = regexp.MustCompile(`https?://([\w.-]+)(?::\d+)?/webapp/(?:home/)?conference/([\w.@-]+)`)
	pexipMeTeamsRe   = regexp.MustCompile(`https?://pexip\.me/teams/([\w.-]+)/(\d+)`)
)

// matchPexipWebApp handles Pexip Infinity web-app links and the pexip.me
// Teams gateway shortener.
func matchPexipWebApp(e *Extractor, window, _ string) Result {
	if m := pexipMeTeamsRe.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindDial, DialString: e.Normalize(m[2] + "@" + m[1])}
	}
	for _, re := range []*regexp.Regexp{pexipConfParamRe, pexipConfPathRe} {
		if m := re.FindStringSubmatch(window); m != nil {
			alias := m[2]
			if !strings.Contains(alias, "@") {
				alias += "@" + e.rewriteWebDomain(m[1])
			}
			return Result{Kind: KindDial, DialString: e.Normalize(alias)}
		}
	}
	return Result{}
}

var lifesizeRe = regexp.MustCompile(`https?://call\.lifesizecloud\.com/(\d+)`)

func matchLifesize(e *Extractor, window, _ string) Result {
	if m := lifesizeRe.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindDial, DialString: m[1] + "@sip.lifesizecloud.com"}
	}
	return Result{}
}

var (
	bjnTeamsRe = regexp.MustCompile(`(\d+)@teams\.bjn\.vc`)
	bjnVTCRe   = regexp.MustCompile(`(?i)VTC\s+Conference\s+ID:?\s*(\d+)`)
	bjnURLRe   = regexp.MustCompile(`https?://(?:[\w.-]*\.)?bluejeans\.com/(\d+)(?:[/.](\d+))?`)
)

// matchBlueJeans handles plain BlueJeans meetings and the Teams CVI variant
// where a separate VTC conference id completes the dial-string.
func matchBlueJeans(e *Extractor, window, full string) Result {
	if m := bjnTeamsRe.FindStringSubmatch(window); m != nil {
		if v := bjnVTCRe.FindStringSubmatch(full); v != nil {
			return Result{Kind: KindDial, DialString: m[1] + "." + v[1] + "@teams.bjn.vc"}
		}
		return Result{Kind: KindDial, DialString: m[1] + "@teams.bjn.vc"}
	}
	if m := bjnURLRe.FindStringSubmatch(window); m != nil {
		ds := m[1]
		if m[2] != "" {
			ds += "." + m[2]
		}
		return Result{Kind: KindDial, DialString: ds + "@bjn.vc"}
	}
	return Result{}
}

var (
	teamsJoinRe   = regexp.MustCompile(`https?://teams\.microsoft\.com/l/meetup-join/[^\s<>"']+`)
	pexipCVIRe    = regexp.MustCompile(`https?://[\w./-]+/teams/?\?[^\s<>"']*\bconf=(\w+)[^\s<>"']*`)
	cviDomainRe   = regexp.MustCompile(`[?&]d=([\w.-]+)`)
	cviPrefixRe   = regexp.MustCompile(`[?&]prefix=(\w+)`)
	cviIPRe       = regexp.MustCompile(`[?&]ip=([\d.]+)`)
	teamsDialinRe = regexp.MustCompile(`(\d{9,13})@([\w.-]+)\s*\(Teams\)`)
)

// matchTeams handles Microsoft Teams meetup-join links (always recorded as
// the webrtc dial-string) and Pexip CVI gateway links.
func matchTeams(e *Extractor, window, full string) Result {
	var res Result
	if m := teamsJoinRe.FindString(window); m != "" {
		res.Kind = KindDial
		res.WebRTCDial = m
	}
	if m := pexipCVIRe.FindStringSubmatch(window); m != nil {
		conf := m[1]
		link := m[0]
		domain := ""
		if d := cviDomainRe.FindStringSubmatch(link); d != nil {
			domain = d[1]
		}
		prefix := ""
		if p := cviPrefixRe.FindStringSubmatch(link); p != nil {
			prefix = p[1]
		}
		if domain != "" {
			res.Kind = KindDial
			res.DialString = e.Normalize(prefix + conf + "@" + domain)
		}
		if ip := cviIPRe.FindStringSubmatch(link); ip != nil {
			res.FallbackH323 = conf + "@" + ip[1]
		}
		if res.WebRTCDial == "" {
			res.WebRTCDial = teamsJoinRe.FindString(full)
		}
	}
	if res.DialString == "" {
		if m := teamsDialinRe.FindStringSubmatch(window); m != nil {
			res.Kind = KindDial
			res.DialString = e.Normalize(m[1] + "@" + m[2])
		}
	}
	return res
}

var (
	webexSIPRe    = regexp.MustCompile(`([\w.]+)@([\w-]+)\.webex\.com`)
	webexMeetRe   = regexp.MustCompile(`https?://([\w-]+)\.webex\.com/meet/([\w.-]+)`)
	webexNumberRe = regexp.MustCompile(`(?i)Meeting\s+number(?:\s*\(access\s+code\))?:?\s*([\d ]{9,14})`)
	webexSiteRe   = regexp.MustCompile(`https?://([\w-]+)\.webex\.com/`)
)

// matchWebex produces the canonical <digits or slug>.<site>@webex.com form.
func matchWebex(e *Extractor, window, full string) Result {
	if m := webexSIPRe.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindDial, DialString: m[1] + "@" + m[2] + ".webex.com"}
	}
	if m := webexMeetRe.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindDial, DialString: m[2] + "." + m[1] + "@webex.com"}
	}
	if m := webexNumberRe.FindStringSubmatch(window); m != nil {
		if s := webexSiteRe.FindStringSubmatch(full); s != nil {
			digits := strings.ReplaceAll(m[1], " ", "")
			return Result{Kind: KindDial, DialString: digits + "." + s[1] + "@webex.com"}
		}
	}
	return Result{}
}

var (
	zoomCRCRe      = regexp.MustCompile(`(\d+)(?:\.(\d+))?@zoomcrc\.com`)
	zoomPasscodeRe = regexp.MustCompile(`(?i)Passcode:?\s*(\d+)`)
	zoomJoinRe     = regexp.MustCompile(`https?://[\w.-]*zoom\.us/j/[^\s<>"']+`)
)

// matchZoom handles the Zoom CRC gateway. A separate passcode line is
// appended when the CRC address has none, and the nearest join URL is kept
// for browser clients.
func matchZoom(e *Extractor, window, full string) Result {
	m := zoomCRCRe.FindStringSubmatch(window)
	if m == nil {
		return Result{}
	}
	ds := m[1]
	if m[2] != "" {
		ds += "." + m[2]
	} else if pc := zoomPasscodeRe.FindStringSubmatch(full); pc != nil {
		ds += "." + pc[1]
	}
	res := Result{Kind: KindDial, DialString: ds + "@zoomcrc.com"}
	if j := zoomJoinRe.FindString(full); j != "" {
		res.WebRTC = j
	}
	return res
}

var (
	starleafMeetRe  = regexp.MustCompile(`https?://meet\.starleaf\.com/(\d+)`)
	webexJoinRe     = regexp.MustCompile(`https?://([\w-]+)\.webex\.com/join/([\w.-]+)`)
	webexMeetLinkRe = regexp.MustCompile(`https?://([\w-]+)\.webex\.com/[\w-]+/j\.php\?MTID=[\w-]+`)
)

// matchScrapeDeferred flags links that need an outbound fetch to resolve.
func matchScrapeDeferred(e *Extractor, window, _ string) Result {
	if starleafMeetRe.MatchString(window) ||
		webexJoinRe.MatchString(window) ||
		webexMeetLinkRe.MatchString(window) {
		return Result{Kind: KindNeedsScrape, NeedsScrape: true}
	}
	return Result{}
}

// scrapeURL returns the first scrape-deferred URL in the text, if any.
func scrapeURL(text string) string {
	for _, re := range []*regexp.Regexp{starleafMeetRe, webexJoinRe, webexMeetLinkRe} {
		if m := re.FindString(text); m != "" {
			if _, err := url.Parse(m); err == nil {
				return m
			}
		}
	}
	return ""
}

var (
	fallbackURIRe      = regexp.MustCompile(`(?i)\b(?:sip|sips|s4b|lync):([\w.+-]+@[\w.-]+(?::\d+)?(?:;[\w=;-]*)?)`)
	fallbackStarleafRe = regexp.MustCompile(`\b(\d{7,})@([\w.-]+\.[a-z]{2,})\b`)
	fallbackDigitsRe   = regexp.MustCompile(`\b(\d{4,})@([\w.-]+\.[a-z]{2,})\b`)
	fallbackRoomRe     = regexp.MustCompile(`(?i)\b([\w-]+\.(?:vr|vmr|cospace|space))@([\w.-]+\.[a-z]{2,})\b`)
	fallbackH323Re     = regexp.MustCompile(`\b([\w.-]+\.[a-z]{2,})##(\d+(?:#\d+)?)\b`)
)

// matchFallback runs after the main chain found nothing. The caller decides
// whether to promote a fallback to the canonical dial-string.
func matchFallback(e *Extractor, window string) Result {
	if m := fallbackURIRe.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindFallback, Fallback: e.Normalize(m[1])}
	}
	if m := fallbackStarleafRe.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindFallback, Fallback: e.Normalize(m[1] + "@" + m[2])}
	}
	if m := fallbackRoomRe.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindFallback, Fallback: e.Normalize(m[1] + "@" + m[2])}
	}
	if m := fallbackDigitsRe.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindFallback, Fallback: e.Normalize(m[1] + "@" + m[2])}
	}
	if m := fallbackH323Re.FindStringSubmatch(window); m != nil {
		return Result{Kind: KindH323Fallback, FallbackH323: m[1] + "##" + m[2]}
	}
	return Result{}
}
