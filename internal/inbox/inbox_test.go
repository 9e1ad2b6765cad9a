package inbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

const plainReply = "From: Acme Collections <Collections@Acme.example>\n" +
	"To: jane@example.com\n" +
	"Subject: Re: Hardship request\n" +
	"Date: Tue, 04 Mar 2025 10:00:00 +0000\n" +
	"Message-ID: <reply-1@acme.example>\n" +
	"In-Reply-To: <letter-1@example.com>\n" +
	"Content-Type: text/plain; charset=utf-8\n" +
	"\n" +
	"We can accept $2,500 as settlement in full.\n"

const htmlOnly = "From: billing@utility.example\n" +
	"Subject: Past due notice\n" +
	"Message-ID: notice-7@utility.example\n" +
	"MIME-Version: 1.0\n" +
	"Content-Type: multipart/alternative; boundary=XYZ\n" +
	"\n" +
	"--XYZ\n" +
	"Content-Type: text/html; charset=utf-8\n" +
	"\n" +
	"<html><head><style>p{color:red}</style></head><body><p>Your balance is <b>$420.00</b>.</p><p>Please pay<br>promptly.</p></body></html>\n" +
	"--XYZ--\n"

func TestParseRaw(t *testing.T) {
	t.Run("plain text reply", func(t *testing.T) {
		email, err := ParseRaw(strings.NewReader(plainReply))
		require.NoError(t, err)

		assert.Equal(t, "collections@acme.example", email.From)
		assert.Equal(t, "Acme Collections", email.FromName)
		assert.Equal(t, "Re: Hardship request", email.Subject)
		assert.Equal(t, "<reply-1@acme.example>", email.MessageID)
		assert.Equal(t, "<letter-1@example.com>", email.InReplyTo)
		assert.Equal(t, 2025, email.ReceivedAt.Year())
		assert.Equal(t, "We can accept $2,500 as settlement in full.", email.Text())
	})

	t.Run("html only", func(t *testing.T) {
		email, err := ParseRaw(strings.NewReader(htmlOnly))
		require.NoError(t, err)

		assert.Empty(t, email.Body)
		text := email.Text()
		assert.Contains(t, text, "Your balance is $420.00.")
		assert.Contains(t, text, "Please pay\npromptly.")
		assert.NotContains(t, text, "color:red")
	})

	t.Run("missing sender", func(t *testing.T) {
		_, err := ParseRaw(strings.NewReader("Subject: hi\n\nbody\n"))
		assert.Error(t, err)
	})
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "<a@b>", NormalizeMessageID("a@b"))
	assert.Equal(t, "<a@b>", NormalizeMessageID(" <a@b> "))
	assert.Equal(t, "", NormalizeMessageID("  "))
}

func TestIsBounce(t *testing.T) {
	tests := []struct {
		name  string
		email Email
		want  bool
	}{
		{
			name: "mailer daemon",
			email: Email{
				From:    "mailer-daemon@mx.example.com",
				Subject: "Undeliverable: Hardship request",
				Body:    "Final-Recipient: rfc822; collections@acme.example\nStatus: 5.1.1 user unknown",
			},
			want: true,
		},
		{
			name: "strong content without system sender",
			email: Email{
				From:    "relay@mx.example.com",
				Subject: "Delivery Status Notification (Failure)",
				Body:    "The message could not be delivered. Mailbox not found.",
			},
			want: true,
		},
		{
			name: "creditor reply",
			email: Email{
				From:    "collections@acme.example",
				Subject: "Re: Hardship request",
				Body:    "We accept your offer of $1,200.",
			},
			want: false,
		},
		{
			name: "creditor mentioning a failed payment",
			email: Email{
				From:    "collections@acme.example",
				Subject: "Payment reminder",
				Body:    "Your last payment failed. Please call us.",
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBounce(&tt.email))
		})
	}
}

func TestBouncedRecipient(t *testing.T) {
	email := &Email{
		From:    "MAILER-DAEMON@mx.example.com",
		Subject: "Undeliverable",
		Body:    "Reporting-MTA: dns; mx.example.com\nFinal-Recipient: rfc822; Collections@Acme.example\n",
	}
	assert.Equal(t, "collections@acme.example", BouncedRecipient(email))

	email.Body = "Your message to billing@utility.example could not be sent."
	assert.Equal(t, "billing@utility.example", BouncedRecipient(email))

	email.Body = "no addresses here"
	assert.Empty(t, BouncedRecipient(email))
}

func TestDropDirProcessExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.eml"), []byte(plainReply), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.eml"), []byte("Subject: no sender\n\nx\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0600))

	d, err := NewDropDir(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	var got []Email
	err = d.ProcessExisting(context.Background(), func(_ context.Context, e Email) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "<reply-1@acme.example>", got[0].MessageID)
	assert.FileExists(t, filepath.Join(dir, processedDir, "a.eml"))
	assert.FileExists(t, filepath.Join(dir, failedDir, "b.eml"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "a.eml"))
}

func TestDropDirWatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	d, err := NewDropDir(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan Email, 4)
	done := make(chan error, 1)
	go func() {
		done <- d.Watch(ctx, func(_ context.Context, e Email) error {
			received <- e
			return nil
		})
	}()

	tmp := filepath.Join(t.TempDir(), "reply.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(plainReply), 0600))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "reply.eml")))

	select {
	case e := <-received:
		assert.Equal(t, "collections@acme.example", e.From)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not handled")
	}

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, processedDir, "reply.eml"))
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Len(t, received, 0)
}
