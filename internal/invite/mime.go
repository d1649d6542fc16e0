package invite

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/teamwork/tnef"

	"github.com/mividas/corestat/internal/dialstring"
)

// Parser turns invite payloads into Records.
type Parser struct {
	Extractor *dialstring.Extractor
	logger    *slog.Logger
}

// NewParser creates a Parser.
func NewParser(extractor *dialstring.Extractor, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{Extractor: extractor, logger: logger}
}

// ParseMIME walks a raw MIME email and builds a Record. Parse failures are
// recorded on the Record rather than returned, so partial data survives.
func (p *Parser) ParseMIME(ctx context.Context, raw []byte) *Record {
	rec := &Record{}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		rec.Err = fmt.Errorf("reading mime message: %w", err)
		return rec
	}

	sender := msg.Header.Get("Reply-To")
	if sender == "" {
		sender = msg.Header.Get("From")
	}
	if addr, err := mail.ParseAddress(sender); err == nil {
		rec.Creator = addr.Address
	}
	subject := msg.Header.Get("Subject")
	if decoded, err := new(mime.WordDecoder).DecodeHeader(subject); err == nil {
		subject = decoded
	}
	rec.Subject = NormalizeSubject(subject)

	w := &mimeWalk{parser: p, rec: rec}
	if err := w.part(ctx, msg.Header.Get("Content-Type"),
		msg.Header.Get("Content-Transfer-Encoding"), msg.Body); err != nil {
		rec.Err = err
	}

	// Text-part extraction is only a fallback for invites whose calendar
	// parts carried no dial-string.
	if rec.Dial.DialString == "" {
		rec.Dial.Merge(w.textDial)
	}
	return rec
}

// mimeWalk carries per-message state through the part tree.
type mimeWalk struct {
	parser   *Parser
	rec      *Record
	textDial dialstring.Result
}

func (w *mimeWalk) allowScrape() bool {
	return w.rec.Dial.DialString == "" && w.textDial.DialString == ""
}

func (w *mimeWalk) part(ctx context.Context, contentType, encoding string, body io.Reader) error {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("parsing content type %q: %w", contentType, err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			sub, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading multipart: %w", err)
			}
			if err := w.part(ctx, sub.Header.Get("Content-Type"),
				sub.Header.Get("Content-Transfer-Encoding"), sub); err != nil {
				return err
			}
		}
	}

	data, err := decodeBody(body, encoding)
	if err != nil {
		return fmt.Errorf("decoding %s part: %w", mediaType, err)
	}

	switch mediaType {
	case "text/calendar", "application/ics":
		w.calendarPart(ctx, data)
	case "text/x-vcard":
		w.vcardPart(data)
	case "text/plain", "text/html":
		w.textPart(ctx, string(data))
	case "application/ms-tnef", "application/vnd.ms-tnef":
		w.tnefPart(ctx, data)
	}
	return nil
}

func (w *mimeWalk) calendarPart(ctx context.Context, data []byte) {
	cal, err := w.parser.parseICal(ctx, data, w.allowScrape())
	if err != nil {
		w.parser.logger.Warn("skipping unparsable calendar part", "error", err)
		return
	}
	w.rec.applyCalendar(cal)
}

// vcardPart pulls the conference URL out of a vCard attachment. Older Adobe
// Connect invites carry it behind a breeze:// scheme.
func (w *mimeWalk) vcardPart(data []byte) {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "URL:") {
			continue
		}
		u := strings.TrimSpace(line[4:])
		u = strings.TrimPrefix(u, "breeze://")
		if u != "" && w.rec.Dial.DialString == "" {
			w.rec.Dial.Kind = dialstring.KindDial
			w.rec.Dial.DialString = u
		}
		return
	}
}

func (w *mimeWalk) textPart(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	w.rec.HasBody = true
	var res dialstring.Result
	if w.allowScrape() {
		res = w.parser.Extractor.Extract(ctx, text, text)
	} else {
		res = w.parser.Extractor.ExtractNoScrape(ctx, text, text)
	}
	w.textDial.Merge(res)
}

// tnefPart unwraps a winmail.dat blob: its body text goes through the
// fallback extractor and attached .ics files are treated as calendar parts.
func (w *mimeWalk) tnefPart(ctx context.Context, data []byte) {
	obj, err := tnef.Decode(data)
	if err != nil {
		w.parser.logger.Warn("skipping unparsable tnef part", "error", err)
		return
	}
	if len(obj.BodyHTML) > 0 {
		w.textPart(ctx, string(obj.BodyHTML))
	} else if len(obj.Body) > 0 {
		w.textPart(ctx, string(obj.Body))
	}
	for _, att := range obj.Attachments {
		if strings.HasSuffix(strings.ToLower(att.Title), ".ics") {
			w.calendarPart(ctx, att.Data)
		}
	}
}

// applyCalendar overwrites the record's top-level fields from a parsed
// calendar part. Dial-string keys merge instead, earliest non-empty wins,
// and a creator resolved from the message headers is kept.
func (rec *Record) applyCalendar(cal *Record) {
	dial := rec.Dial
	creator := rec.Creator
	hasBody := rec.HasBody

	*rec = *cal

	rec.Dial = dial
	rec.Dial.Merge(cal.Dial)
	if creator != "" {
		rec.Creator = creator
	}
	rec.HasBody = hasBody || cal.HasBody
}

func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, newBase64Cleaner(r))
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	return io.ReadAll(r)
}

// base64Cleaner strips whitespace so folded base64 bodies decode cleanly.
type base64Cleaner struct {
	r io.Reader
}

func newBase64Cleaner(r io.Reader) io.Reader {
	return &base64Cleaner{r: r}
}

func (c *base64Cleaner) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	out := 0
	for i := 0; i < n; i++ {
		switch p[i] {
		case '\r', '\n', ' ', '\t':
		default:
			p[out] = p[i]
			out++
		}
	}
	return out, err
}
