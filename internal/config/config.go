package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredentials is wrapped by Validate when a provider key is absent.
var ErrMissingCredentials = errors.New("missing credentials")

// Environment variables that override secrets in the config file.
const (
	EnvGeminiAPIKey   = "GEMINI_API_KEY"
	EnvResendAPIKey   = "RESEND_API_KEY"
	EnvSendGridAPIKey = "SENDGRID_API_KEY"
	EnvSMTPPassword   = "SMTP_PASSWORD"
	EnvIMAPPassword   = "IMAP_PASSWORD"
	EnvDatabaseDSN    = "NEGOTIATOR_DATABASE_DSN"
	EnvWebhookSecret  = "NEGOTIATOR_WEBHOOK_SECRET"
)

const (
	defaultAITimeoutSec    = 30
	defaultPort            = 8080
	defaultRateLimit       = 60
	defaultPollIntervalSec = 300
)

func checkFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %04o; should be 0600", path, perm)
	}
	return nil
}

type Config struct {
	Profile     Profile           `yaml:"profile"`
	Email       EmailConfig       `yaml:"email"`
	Inbox       InboxConfig       `yaml:"inbox,omitempty"`
	AI          AIConfig          `yaml:"ai,omitempty"`
	Negotiation NegotiationConfig `yaml:"negotiation,omitempty"`
	Store       StoreConfig       `yaml:"store,omitempty"`
	Server      ServerConfig      `yaml:"server,omitempty"`
}

// Profile is the debtor's identity, used to pre-fill letter placeholders.
type Profile struct {
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
	Email     string `yaml:"email"`
	Address   string `yaml:"address,omitempty"`
	City      string `yaml:"city,omitempty"`
	State     string `yaml:"state,omitempty"`
	ZipCode   string `yaml:"zip_code,omitempty"`
	Phone     string `yaml:"phone,omitempty"`
}

func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// MailingAddress joins the address parts on one line.
func (p Profile) MailingAddress() string {
	var parts []string
	for _, s := range []string{p.Address, p.City, strings.TrimSpace(p.State + " " + p.ZipCode)} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

type EmailConfig struct {
	Provider string       `yaml:"provider"` // "smtp", "resend", "sendgrid"
	From     string       `yaml:"from"`
	SMTP     SMTPConfig   `yaml:"smtp,omitempty"`
	Resend   APIKeyConfig `yaml:"resend,omitempty"`
	SendGrid APIKeyConfig `yaml:"sendgrid,omitempty"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseTLS   bool   `yaml:"use_tls"`
}

type APIKeyConfig struct {
	APIKey string `yaml:"api_key"`
}

// InboxConfig holds IMAP settings for monitoring creditor mail
type InboxConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Provider        string `yaml:"provider"`           // "gmail", "outlook", "imap"
	Server          string `yaml:"server"`             // e.g., "imap.gmail.com"
	Port            int    `yaml:"port"`               // e.g., 993
	Email           string `yaml:"email"`              // Email address to monitor
	Password        string `yaml:"password"`           // App password (not main password)
	Folder          string `yaml:"folder"`             // Folder to monitor (default: "INBOX")
	AutoArchive     bool   `yaml:"auto_archive"`       // Move processed emails to the archive folder
	ArchiveFolder   string `yaml:"archive_folder"`     // Folder to archive emails to (default: "Negotiator")
	PollIntervalSec int    `yaml:"poll_interval_sec"`  // Seconds between checks in watch mode
	DropDir         string `yaml:"drop_dir,omitempty"` // Directory watched for .eml files
}

// AIConfig configures the generative classifier and letter writer.
type AIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Provider   string `yaml:"provider"` // "gemini"
	APIKey     string `yaml:"api_key,omitempty"`
	Model      string `yaml:"model,omitempty"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout bounds a single model call.
func (a AIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSec) * time.Second
}

type NegotiationConfig struct {
	AutoGenerate bool   `yaml:"auto_generate"` // Draft a letter as soon as a debt is received
	OwnerID      string `yaml:"owner_id,omitempty"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	DSN    string `yaml:"dsn,omitempty"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	WebhookSecret  string   `yaml:"webhook_secret,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	RateLimit      int      `yaml:"rate_limit"`         // Requests per minute per client
	CSRFKey        string   `yaml:"csrf_key,omitempty"` // 32+ bytes; empty disables CSRF
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".negotiator", "config.yaml")
}

func Load(path string) (*Config, error) {
	if err := checkFilePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// .env next to the config, then in the working directory; real
	// environment variables always win.
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	_ = godotenv.Load()
	cfg.applyEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	override(&c.AI.APIKey, EnvGeminiAPIKey)
	override(&c.Email.Resend.APIKey, EnvResendAPIKey)
	override(&c.Email.SendGrid.APIKey, EnvSendGridAPIKey)
	override(&c.Email.SMTP.Password, EnvSMTPPassword)
	override(&c.Inbox.Password, EnvIMAPPassword)
	override(&c.Store.DSN, EnvDatabaseDSN)
	override(&c.Server.WebhookSecret, EnvWebhookSecret)
}

func (c *Config) applyDefaults() {
	if c.Email.Provider == "" {
		c.Email.Provider = "smtp"
	}

	// Set inbox defaults
	if c.Inbox.Folder == "" {
		c.Inbox.Folder = "INBOX"
	}
	if c.Inbox.ArchiveFolder == "" {
		c.Inbox.ArchiveFolder = "Negotiator"
	}
	if c.Inbox.PollIntervalSec == 0 {
		c.Inbox.PollIntervalSec = defaultPollIntervalSec
	}
	if c.Inbox.Provider == "gmail" && c.Inbox.Server == "" {
		c.Inbox.Server = "imap.gmail.com"
		c.Inbox.Port = 993
	}
	if c.Inbox.Provider == "outlook" && c.Inbox.Server == "" {
		c.Inbox.Server = "outlook.office365.com"
		c.Inbox.Port = 993
	}

	if c.AI.Provider == "" {
		c.AI.Provider = "gemini"
	}
	if c.AI.TimeoutSec == 0 {
		c.AI.TimeoutSec = defaultAITimeoutSec
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}

	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = defaultRateLimit
	}
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) Validate() error {
	if c.Profile.FirstName == "" || c.Profile.LastName == "" {
		return fmt.Errorf("profile: first_name and last_name are required")
	}
	if c.Profile.Email == "" {
		return fmt.Errorf("profile: email is required")
	}
	if c.Email.From == "" {
		return fmt.Errorf("email: from address is required")
	}

	switch c.Email.Provider {
	case "smtp":
		if c.Email.SMTP.Host == "" {
			return fmt.Errorf("email.smtp: host is required")
		}
		if c.Email.SMTP.Port == 0 {
			return fmt.Errorf("email.smtp: port is required")
		}
	case "resend":
		if c.Email.Resend.APIKey == "" {
			return fmt.Errorf("email.resend: api_key or %s: %w", EnvResendAPIKey, ErrMissingCredentials)
		}
	case "sendgrid":
		if c.Email.SendGrid.APIKey == "" {
			return fmt.Errorf("email.sendgrid: api_key or %s: %w", EnvSendGridAPIKey, ErrMissingCredentials)
		}
	default:
		return fmt.Errorf("email: unknown provider %q", c.Email.Provider)
	}

	if c.AI.Enabled {
		if c.AI.Provider != "gemini" {
			return fmt.Errorf("ai: unknown provider %q", c.AI.Provider)
		}
		if c.AI.APIKey == "" {
			return fmt.Errorf("ai: api_key or %s: %w", EnvGeminiAPIKey, ErrMissingCredentials)
		}
	}

	switch c.Store.Driver {
	case "sqlite":
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store: dsn or %s is required for mysql: %w", EnvDatabaseDSN, ErrMissingCredentials)
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	return nil
}

// ValidateInbox validates inbox configuration (only called when inbox monitoring is used)
func (c *Config) ValidateInbox() error {
	if !c.Inbox.Enabled {
		return fmt.Errorf("inbox: monitoring is not enabled in config")
	}
	if c.Inbox.Email == "" {
		return fmt.Errorf("inbox: email address is required")
	}
	if c.Inbox.Password == "" {
		return fmt.Errorf("inbox: password (app password) or %s: %w", EnvIMAPPassword, ErrMissingCredentials)
	}
	if c.Inbox.Server == "" {
		return fmt.Errorf("inbox: IMAP server is required")
	}
	if c.Inbox.Port == 0 {
		return fmt.Errorf("inbox: IMAP port is required")
	}
	return nil
}

// ValidateServer validates the HTTP server settings (only called by serve)
func (c *Config) ValidateServer() error {
	if c.Server.WebhookSecret == "" {
		return fmt.Errorf("server: webhook_secret or %s: %w", EnvWebhookSecret, ErrMissingCredentials)
	}
	if c.Server.CSRFKey != "" && len(c.Server.CSRFKey) < 32 {
		return fmt.Errorf("server: csrf_key must be at least 32 bytes")
	}
	return nil
}
