package dialstring

// Kind classifies what a matcher produced.
type Kind int

const (
	// KindNone means the matcher found nothing.
	KindNone Kind = iota
	// KindDial is a canonical dial-string.
	KindDial
	// KindFallback is a low-confidence dial-string the caller may promote.
	KindFallback
	// KindH323Fallback is a DOMAIN##NUM style fallback.
	KindH323Fallback
	// KindNeedsScrape means an outbound fetch is required to complete the
	// dial-string.
	KindNeedsScrape
)

// Result is the outcome of running the extractor over a text blob.
// A zero Result means nothing matched.
type Result struct {
	Kind Kind

	DialString   string // canonical dial-string
	Fallback     string // dialstring_fallback
	FallbackH323 string // dialstring_fallback_h323
	WebRTCDial   string // dialstring_webrtc (Teams meetup-join and friends)
	WebRTC       string // join URL presented to browser clients

	SkypeConference   string
	SkypeConferenceID string

	NeedsScrape bool
}

// Empty reports whether the result carries no usable value.
func (r Result) Empty() bool {
	return r.DialString == "" && r.Fallback == "" && r.FallbackH323 == "" &&
		r.WebRTCDial == "" && r.WebRTC == "" && r.SkypeConference == "" &&
		r.SkypeConferenceID == "" && !r.NeedsScrape
}

// Merge fills empty fields of r from other, first non-empty wins per key.
func (r *Result) Merge(other Result) {
	if r.DialString == "" {
		r.DialString = other.DialString
	}
	if r.Fallback == "" {
		r.Fallback = other.Fallback
	}
	if r.FallbackH323 == "" {
		r.FallbackH323 = other.FallbackH323
	}
	if r.WebRTCDial == "" {
		r.WebRTCDial = other.WebRTCDial
	}
	if r.WebRTC == "" {
		r.WebRTC = other.WebRTC
	}
	if r.SkypeConference == "" {
		r.SkypeConference = other.SkypeConference
	}
	if r.SkypeConferenceID == "" {
		r.SkypeConferenceID = other.SkypeConferenceID
	}
	if other.NeedsScrape {
		r.NeedsScrape = true
	}
	if r.Kind == KindNone {
		r.Kind = other.Kind
	}
}
