package inbox

import (
	"regexp"
	"strings"
)

var (
	// Bounce/undeliverable indicators
	bouncePatterns = []regexp.Regexp{
		*regexp.MustCompile(`(?i)delivery\s+(to\s+.+\s+)?(has\s+)?failed`),
		*regexp.MustCompile(`(?i)undeliverable`),
		*regexp.MustCompile(`(?i)delivery\s+status\s+notification`),
		*regexp.MustCompile(`(?i)returned\s+mail`),
		*regexp.MustCompile(`(?i)mail\s+delivery\s+failed`),
		*regexp.MustCompile(`(?i)message\s+(could\s+)?not\s+(be\s+)?delivered`),
		*regexp.MustCompile(`(?i)delivery\s+failure`),
		*regexp.MustCompile(`(?i)permanent\s+(failure|error)`),
		*regexp.MustCompile(`(?i)address\s+rejected`),
		*regexp.MustCompile(`(?i)user\s+unknown`),
		*regexp.MustCompile(`(?i)mailbox\s+not\s+found`),
		*regexp.MustCompile(`(?i)no\s+such\s+user`),
		*regexp.MustCompile(`(?i)(mailbox|recipient|address)\s+(does\s+not|doesn't)\s+exist`),
		*regexp.MustCompile(`(?i)550\s+.*\s+(rejected|unknown|not\s+found)`),
		*regexp.MustCompile(`(?i)554\s+.*\s+(rejected|failed)`),
	}

	// Senders that indicate a bounce email
	bounceSenders = []string{
		"mailer-daemon",
		"postmaster",
		"mail delivery system",
		"mail delivery subsystem",
		"mailerdaemon",
		"mailsystem",
	}

	emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	// Patterns that precede the bounced address in non-delivery reports
	bouncedRecipientPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:original|final)[\s-]?recipient[:\s]+(?:rfc822;)?\s*([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`),
		regexp.MustCompile(`(?i)delivery\s+to\s+(?:the\s+following\s+)?(?:recipient|address)(?:s)?\s+failed[:\s]+([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`),
		regexp.MustCompile(`(?i)(?:failed|rejected)\s+recipient[:\s]+([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`),
		regexp.MustCompile(`(?i)undeliverable\s+to[:\s]+([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`),
		regexp.MustCompile(`(?i)could\s+not\s+be\s+delivered\s+to[:\s]+<?([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`),
	}
)

// IsBounce reports whether the email is a non-delivery report rather than a creditor
// message. Bounces must never start a new debt.
func IsBounce(email *Email) bool {
	fromLower := strings.ToLower(email.From)
	fromNameLower := strings.ToLower(email.FromName)

	isBounceSource := false
	for _, sender := range bounceSenders {
		if strings.Contains(fromLower, sender) || strings.Contains(fromNameLower, sender) {
			isBounceSource = true
			break
		}
	}

	content := email.Text()
	score := 0
	for _, pattern := range bouncePatterns {
		if pattern.MatchString(email.Subject) {
			score += 2 // subject match is a strong signal
		}
		if pattern.MatchString(content) {
			score++
		}
	}

	return (isBounceSource && score > 0) || score >= 3
}

// BouncedRecipient extracts the address that could not be reached from a
// non-delivery report, or "" when none is found.
func BouncedRecipient(email *Email) string {
	content := email.Text() + " " + email.Subject

	for _, pattern := range bouncedRecipientPatterns {
		if m := pattern.FindStringSubmatch(content); len(m) > 1 {
			return strings.ToLower(strings.TrimSpace(m[1]))
		}
	}

	for _, addr := range emailRegex.FindAllString(content, -1) {
		lower := strings.ToLower(addr)
		if strings.Contains(lower, "mailer-daemon") || strings.Contains(lower, "postmaster") {
			continue
		}
		return lower
	}
	return ""
}
