package inbox

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message/mail"
)

// Email is an inbound message, either fetched over IMAP or parsed from raw MIME.
type Email struct {
	UID        uint32 // IMAP UID, zero for messages not read from a mailbox
	MessageID  string // RFC 5322 Message-ID in angle brackets
	InReplyTo  string
	From       string
	FromName   string
	Subject    string
	Body       string
	HTMLBody   string
	ReceivedAt time.Time
}

// Text returns the plain-text body, flattening the HTML part when no text part exists.
func (e *Email) Text() string {
	if strings.TrimSpace(e.Body) != "" {
		return strings.TrimSpace(e.Body)
	}
	if e.HTMLBody != "" {
		return HTMLToText(e.HTMLBody)
	}
	return ""
}

// ParseRaw reads a single RFC 5322 message, as stored in .eml files or posted by
// inbound-mail webhooks.
func ParseRaw(r io.Reader) (*Email, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	email := &Email{}
	h := mr.Header

	if id, err := h.MessageID(); err == nil && id != "" {
		email.MessageID = NormalizeMessageID(id)
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		email.InReplyTo = NormalizeMessageID(ids[0])
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = strings.ToLower(from[0].Address)
		email.FromName = from[0].Name
	}
	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	}
	if date, err := h.Date(); err == nil {
		email.ReceivedAt = date
	}

	if err := readParts(mr, email); err != nil {
		return nil, err
	}
	if email.From == "" {
		return nil, fmt.Errorf("message has no From address")
	}
	return email, nil
}

// readParts fills the text and HTML bodies from the first inline part of each type.
func readParts(mr *mail.Reader, email *Email) error {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if email.Body != "" || email.HTMLBody != "" {
				return nil
			}
			return fmt.Errorf("failed to read message part: %w", err)
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}

		switch {
		case (ct == "" || strings.HasPrefix(ct, "text/plain")) && email.Body == "":
			email.Body = string(body)
		case strings.HasPrefix(ct, "text/html") && email.HTMLBody == "":
			email.HTMLBody = string(body)
		}
	}
}

// NormalizeMessageID returns id in its bracketed form, or "" for an empty id.
func NormalizeMessageID(id string) string {
	id = strings.Trim(strings.TrimSpace(id), "<>")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// HTMLToText flattens an HTML body into readable plain text.
func HTMLToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return strings.TrimSpace(stripHTMLSimple(html))
	}

	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4, h5, h6").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	lines := strings.Split(doc.Text(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

// stripHTMLSimple removes HTML tags (used when the document cannot be parsed)
func stripHTMLSimple(html string) string {
	re := regexp.MustCompile(`<[^>]+>`)
	return re.ReplaceAllString(html, " ")
}
