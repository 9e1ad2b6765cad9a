package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/debt-negotiator/negotiator/internal/config"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by mailbox operations before Connect.
var ErrNotConnected = errors.New("not connected to IMAP server")

// Handler processes one inbound email. A nil error marks the email as handled.
type Handler func(ctx context.Context, email Email) error

// Monitor handles the IMAP connection and inbound mail polling
type Monitor struct {
	config config.InboxConfig
	client *client.Client
	logger *zap.Logger
	seen   map[uint32]bool
}

// NewMonitor creates a new inbox monitor
func NewMonitor(cfg config.InboxConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		config: cfg,
		logger: logger.Named("inbox"),
		seen:   make(map[uint32]bool),
	}
}

// Connect establishes the IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)
	m.logger.Info("Connecting to IMAP server", zap.String("addr", addr))

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return fmt.Errorf("failed to login: %w", err)
	}

	m.client = c
	m.logger.Info("Login successful", zap.String("email", m.config.Email))
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client != nil {
		return m.client.Logout()
	}
	return nil
}

// FetchRecent fetches emails from the last N days
func (m *Monitor) FetchRecent(ctx context.Context, days int) ([]Email, error) {
	if m.client == nil {
		return nil, ErrNotConnected
	}

	mbox, err := m.client.Select(m.config.Folder, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select mailbox %s: %w", m.config.Folder, err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	since := time.Now().AddDate(0, 0, -days)
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	m.logger.Debug("Searched mailbox",
		zap.String("folder", m.config.Folder),
		zap.Int("matches", len(uids)),
		zap.Time("since", since))

	var emails []Email
	batchSize := 50
	for i := 0; i < len(uids); i += batchSize {
		if err := ctx.Err(); err != nil {
			return emails, err
		}
		end := i + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch, err := m.fetch(uids[i:end])
		if err != nil {
			return emails, err
		}
		emails = append(emails, batch...)
	}
	return emails, nil
}

// fetch downloads the given UIDs without marking them seen.
func (m *Monitor) fetch(uids []uint32) ([]Email, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, messages)
	}()

	var emails []Email
	for msg := range messages {
		email := parseMessage(msg, section)
		if email == nil {
			continue
		}
		emails = append(emails, *email)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return emails, nil
}

// parseMessage converts an IMAP message to an Email
func parseMessage(msg *imap.Message, section *imap.BodySectionName) *Email {
	if msg == nil || msg.Envelope == nil {
		return nil
	}

	email := &Email{
		UID:        msg.Uid,
		MessageID:  NormalizeMessageID(msg.Envelope.MessageId),
		InReplyTo:  NormalizeMessageID(msg.Envelope.InReplyTo),
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.Envelope.Date,
	}
	if len(msg.Envelope.From) > 0 {
		from := msg.Envelope.From[0]
		email.From = strings.ToLower(from.Address())
		email.FromName = from.PersonalName
	}

	r := msg.GetBody(section)
	if r == nil {
		return email
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		return email // without body
	}
	_ = readParts(mr, email)
	return email
}

// Watch hands every new email to handle until ctx is cancelled. Mail already in the
// mailbox within the last day is handled first. It uses IMAP IDLE, polling at the
// configured interval on servers without IDLE support.
func (m *Monitor) Watch(ctx context.Context, handle Handler) error {
	if m.client == nil {
		return ErrNotConnected
	}

	m.dispatch(ctx, handle)

	updates := make(chan client.Update, 16)
	m.client.Updates = updates
	defer func() { m.client.Updates = nil }()

	opts := &client.IdleOptions{
		LogoutTimeout: 25 * time.Minute,
		PollInterval:  time.Duration(m.config.PollIntervalSec) * time.Second,
	}

	stop := make(chan struct{})
	idleDone := make(chan error, 1)
	go func() {
		idleDone <- m.client.Idle(stop, opts)
	}()

	m.logger.Info("Watching for new emails", zap.String("folder", m.config.Folder))

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-idleDone
			return ctx.Err()
		case update := <-updates:
			if _, ok := update.(*client.MailboxUpdate); !ok {
				continue
			}
			close(stop)
			if err := <-idleDone; err != nil {
				return fmt.Errorf("IDLE error: %w", err)
			}

			m.dispatch(ctx, handle)

			stop = make(chan struct{})
			go func() {
				idleDone <- m.client.Idle(stop, opts)
			}()
		case err := <-idleDone:
			if err != nil {
				return fmt.Errorf("IDLE error: %w", err)
			}
			stop = make(chan struct{})
			go func() {
				idleDone <- m.client.Idle(stop, opts)
			}()
		}
	}
}

// dispatch fetches recent mail and hands each unseen email to handle.
func (m *Monitor) dispatch(ctx context.Context, handle Handler) {
	emails, err := m.FetchRecent(ctx, 1)
	if err != nil {
		m.logger.Warn("Error fetching new email", zap.Error(err))
		return
	}

	var handled []uint32
	for _, email := range emails {
		if m.seen[email.UID] {
			continue
		}
		m.seen[email.UID] = true
		if err := handle(ctx, email); err != nil {
			m.logger.Warn("Failed to process email",
				zap.String("message_id", email.MessageID),
				zap.String("from", email.From),
				zap.Error(err))
			continue
		}
		handled = append(handled, email.UID)
	}

	if m.config.AutoArchive && len(handled) > 0 {
		if err := m.ArchiveEmails(handled, m.config.ArchiveFolder); err != nil {
			m.logger.Warn("Failed to archive emails", zap.Error(err))
		}
	}
}

// EnsureFolderExists creates a folder/label if it doesn't already exist
func (m *Monitor) EnsureFolderExists(name string) error {
	if m.client == nil {
		return ErrNotConnected
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.List("", "*", mailboxes)
	}()

	exists := false
	for mbox := range mailboxes {
		if strings.EqualFold(mbox.Name, name) {
			exists = true
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}
	if exists {
		return nil
	}

	if err := m.client.Create(name); err != nil {
		return fmt.Errorf("failed to create folder '%s': %w", name, err)
	}
	m.logger.Info("Created folder", zap.String("folder", name))
	return nil
}

// ArchiveEmails moves handled emails to the archive folder
func (m *Monitor) ArchiveEmails(uids []uint32, folder string) error {
	if m.client == nil {
		return ErrNotConnected
	}
	if len(uids) == 0 {
		return nil
	}

	if _, err := m.client.Select(m.config.Folder, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// MOVE (RFC 6851) first, COPY + DELETE when the server lacks it
	if err := m.client.UidMove(seqSet, folder); err != nil {
		m.logger.Debug("MOVE not supported, falling back to COPY+DELETE", zap.Error(err))

		if err := m.client.UidCopy(seqSet, folder); err != nil {
			return fmt.Errorf("failed to copy emails to '%s': %w", folder, err)
		}
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		flags := []interface{}{imap.DeletedFlag}
		if err := m.client.UidStore(seqSet, item, flags, nil); err != nil {
			return fmt.Errorf("failed to mark emails as deleted: %w", err)
		}
		if err := m.client.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge deleted emails: %w", err)
		}
	}

	m.logger.Info("Archived emails", zap.Int("count", len(uids)), zap.String("folder", folder))
	return nil
}
