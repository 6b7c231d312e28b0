package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
)

type fakeSecrets map[string]string

func (f fakeSecrets) Lookup(key string) (string, bool) {
	v, ok := f[key]
	return v, ok
}

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	for _, env := range []string{
		"IMAP_PASS", "SMTP_PASS", "OPENAI_API_KEY", "MAIL_DIGEST_PROVIDER",
		"EMAIL_USE", "EMAIL_USERNAME", "EMAIL_USER", "EMAIL_PASSWORD", "EMAIL_AUTH_CODE",
	} {
		t.Setenv(env, "")
	}

	cmd := &cobra.Command{Use: "mail-digest"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags() error = %v", err)
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return cmd
}

var baseArgs = []string{
	"--imap-host", "imap.example.com",
	"--imap-user", "me@example.com",
	"--imap-pass", "imap-secret",
	"--smtp-host", "smtp.example.com",
	"--llm-api-key", "sk-flag",
	"--to", "me@example.com",
}

func TestLoadConfigDefaults(t *testing.T) {
	cmd := newCommand(t, baseArgs...)
	cfg, err := LoadConfig(cmd, nil)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	home := os.Getenv("HOME")
	if cfg.Source != SourceIMAP || cfg.IMAPPort != 993 || cfg.IMAPFolder != "INBOX" || !cfg.UseTLS {
		t.Errorf("imap defaults = %+v", cfg)
	}
	if cfg.SMTPPort != 465 || cfg.SMTPUser != "me@example.com" || cfg.SMTPPass != "imap-secret" || cfg.From != "me@example.com" {
		t.Errorf("smtp defaults: user=%q pass=%q from=%q port=%d", cfg.SMTPUser, cfg.SMTPPass, cfg.From, cfg.SMTPPort)
	}
	if cfg.Limit != 20 || cfg.Concurrency != 8 || cfg.LLMTimeout != time.Minute || cfg.RunTimeout != 5*time.Minute {
		t.Errorf("run defaults: limit=%d concurrency=%d llm=%s run=%s", cfg.Limit, cfg.Concurrency, cfg.LLMTimeout, cfg.RunTimeout)
	}
	if cfg.StateDir != filepath.Join(home, ".mail-digest", "state") || cfg.ArchiveDir != filepath.Join(home, ".mail-digest", "archive") {
		t.Errorf("dirs = %s %s", cfg.StateDir, cfg.ArchiveDir)
	}
	if cfg.Ledger != "file" || cfg.LogLevel != "info" {
		t.Errorf("ledger=%q logLevel=%q", cfg.Ledger, cfg.LogLevel)
	}
}

func TestLoadConfigSecretPrecedence(t *testing.T) {
	secrets := fakeSecrets{
		"imap-password": "imap-keyring",
		"smtp-password": "smtp-keyring",
		"llm-api-key":   "sk-keyring",
	}

	t.Run("flag wins", func(t *testing.T) {
		cmd := newCommand(t, baseArgs...)
		t.Setenv("OPENAI_API_KEY", "sk-env")
		cfg, err := LoadConfig(cmd, secrets)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.LLMAPIKey != "sk-flag" || cfg.IMAPPass != "imap-secret" {
			t.Errorf("llm=%q imap=%q", cfg.LLMAPIKey, cfg.IMAPPass)
		}
	})

	t.Run("env before keyring", func(t *testing.T) {
		cmd := newCommand(t, "--imap-host", "h", "--imap-user", "u", "--smtp-host", "s", "--to", "x@example.com")
		t.Setenv("OPENAI_API_KEY", "sk-env")
		t.Setenv("IMAP_PASS", "imap-env")
		cfg, err := LoadConfig(cmd, secrets)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.LLMAPIKey != "sk-env" || cfg.IMAPPass != "imap-env" {
			t.Errorf("llm=%q imap=%q", cfg.LLMAPIKey, cfg.IMAPPass)
		}
		if cfg.SMTPPass != "smtp-keyring" {
			t.Errorf("smtp=%q", cfg.SMTPPass)
		}
	})

	t.Run("keyring last", func(t *testing.T) {
		cmd := newCommand(t, "--imap-host", "h", "--imap-user", "u", "--smtp-host", "s", "--to", "x@example.com")
		cfg, err := LoadConfig(cmd, secrets)
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.LLMAPIKey != "sk-keyring" || cfg.IMAPPass != "imap-keyring" {
			t.Errorf("llm=%q imap=%q", cfg.LLMAPIKey, cfg.IMAPPass)
		}
	})
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	cmd := newCommand(t, "--limit", "30")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `imap-host: imap.example.com
imap-user: me@example.com
imap-pass: from-file
smtp-host: smtp.example.com
llm-api-key: sk-file
limit: 10
ledger: sqlite
to:
  - a@example.com
exclude-header:
  - "Subject: .*(Newsletter|Digest)"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := cmd.Flags().Set("config", path); err != nil {
		t.Fatalf("set config flag: %v", err)
	}
	t.Setenv("MAIL_DIGEST_SMTP_PORT", "587")
	t.Setenv("MAIL_DIGEST_TO", "b@example.com,c@example.com")

	cfg, err := LoadConfig(cmd, nil)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.IMAPHost != "imap.example.com" || cfg.IMAPPass != "from-file" || cfg.Ledger != "sqlite" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Limit != 30 {
		t.Errorf("Limit = %d, flag should win over file", cfg.Limit)
	}
	if cfg.SMTPPort != 587 {
		t.Errorf("SMTPPort = %d, env should win over default", cfg.SMTPPort)
	}
	if strings.Join(cfg.To, " ") != "b@example.com c@example.com" {
		t.Errorf("To = %v, env should win over file", cfg.To)
	}
	if len(cfg.ExcludeHeader) != 1 || cfg.ExcludeHeader[0] != "Subject: .*(Newsletter|Digest)" {
		t.Errorf("ExcludeHeader = %q", cfg.ExcludeHeader)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	cmd := newCommand(t, append([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, baseArgs...)...)
	if _, err := LoadConfig(cmd, nil); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoadConfigPatternWithComma(t *testing.T) {
	cmd := newCommand(t, append([]string{"--include-body", "a{1,3}b"}, baseArgs...)...)
	cfg, err := LoadConfig(cmd, nil)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if len(cfg.IncludeBody) != 1 || cfg.IncludeBody[0] != "a{1,3}b" {
		t.Errorf("IncludeBody = %q", cfg.IncludeBody)
	}
}

func TestLoadConfigDryRunNeedsNoSMTP(t *testing.T) {
	cmd := newCommand(t, "--source", "mbox", "--mbox", "/tmp/inbox.mbox", "--llm-api-key", "k", "--dry-run", "--log-level", "WARNING")
	cfg, err := LoadConfig(cmd, nil)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.DryRun || cfg.Source != SourceMbox || cfg.LogLevel != "warn" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		Source:      SourceIMAP,
		IMAPHost:    "imap.example.com",
		IMAPPort:    993,
		IMAPUser:    "me",
		IMAPPass:    "p",
		SMTPHost:    "smtp.example.com",
		SMTPPort:    465,
		From:        "me@example.com",
		To:          []string{"me@example.com"},
		LLMAPIKey:   "k",
		LLMTimeout:  time.Minute,
		RunTimeout:  time.Minute,
		Concurrency: 1,
		Ledger:      "file",
		LogLevel:    "info",
	}
	if err := validateConfig(valid); err != nil {
		t.Fatalf("validateConfig(valid) error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "unknown source", mutate: func(c *Config) { c.Source = "pop3" }, wantErr: "--source"},
		{name: "missing imap host", mutate: func(c *Config) { c.IMAPHost = "" }, wantErr: "--imap-host"},
		{name: "missing imap password", mutate: func(c *Config) { c.IMAPPass = "" }, wantErr: "IMAP password"},
		{name: "bad imap port", mutate: func(c *Config) { c.IMAPPort = 70000 }, wantErr: "--imap-port"},
		{name: "mbox without path", mutate: func(c *Config) { c.Source = SourceMbox }, wantErr: "--mbox"},
		{name: "missing api key", mutate: func(c *Config) { c.LLMAPIKey = "" }, wantErr: "API key"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: "--concurrency"},
		{name: "missing recipient", mutate: func(c *Config) { c.To = nil }, wantErr: "--to"},
		{name: "missing smtp host", mutate: func(c *Config) { c.SMTPHost = "" }, wantErr: "--smtp-host"},
		{name: "bad smtp port", mutate: func(c *Config) { c.SMTPPort = 0 }, wantErr: "--smtp-port"},
		{name: "include and exclude", mutate: func(c *Config) {
			c.IncludeHeader = []string{"a"}
			c.ExcludeBody = []string{"b"}
		}, wantErr: "mutually exclusive"},
		{name: "unknown ledger", mutate: func(c *Config) { c.Ledger = "redis" }, wantErr: "--ledger"},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: "--log-level"},
		{name: "unknown provider", mutate: func(c *Config) { c.Provider = "yahoo" }, wantErr: "--provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("validateConfig() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigProvider(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		env      map[string]string
		wantIMAP string
		wantSMTP string
		wantPort int
		wantUser string
		wantPass string
		wantErr  string
	}{
		{
			name:     "flag preset with EMAIL env credentials",
			args:     []string{"--provider", "gmail"},
			env:      map[string]string{"EMAIL_USERNAME": "me@gmail.com", "EMAIL_PASSWORD": "app-pass"},
			wantIMAP: "imap.gmail.com",
			wantSMTP: "smtp.gmail.com",
			wantPort: 587,
			wantUser: "me@gmail.com",
			wantPass: "app-pass",
		},
		{
			name:     "EMAIL_USE preset with legacy variable names",
			env:      map[string]string{"EMAIL_USE": "QQ", "EMAIL_USER": "10001@qq.com", "EMAIL_AUTH_CODE": "auth"},
			wantIMAP: "imap.qq.com",
			wantSMTP: "smtp.qq.com",
			wantPort: 465,
			wantUser: "10001@qq.com",
			wantPass: "auth",
		},
		{
			name:     "prefixed env preset",
			args:     []string{"--imap-user", "me@163.com", "--imap-pass", "p"},
			env:      map[string]string{"MAIL_DIGEST_PROVIDER": "163"},
			wantIMAP: "imap.163.com",
			wantSMTP: "smtp.163.com",
			wantPort: 465,
			wantUser: "me@163.com",
			wantPass: "p",
		},
		{
			name:     "explicit values win over preset",
			args:     []string{"--provider", "outlook", "--imap-host", "imap.corp.example", "--smtp-port", "2525", "--imap-user", "u", "--imap-pass", "p"},
			env:      map[string]string{"EMAIL_USERNAME": "ignored", "EMAIL_PASSWORD": "ignored"},
			wantIMAP: "imap.corp.example",
			wantSMTP: "smtp.office365.com",
			wantPort: 2525,
			wantUser: "u",
			wantPass: "p",
		},
		{
			name:     "IMAP_PASS before EMAIL_PASSWORD",
			args:     []string{"--provider", "gmail", "--imap-user", "u"},
			env:      map[string]string{"IMAP_PASS": "imap-env", "EMAIL_PASSWORD": "email-env"},
			wantIMAP: "imap.gmail.com",
			wantSMTP: "smtp.gmail.com",
			wantPort: 587,
			wantUser: "u",
			wantPass: "imap-env",
		},
		{
			name:    "unknown preset",
			args:    []string{"--provider", "yahoo", "--imap-host", "h", "--smtp-host", "s", "--imap-user", "u", "--imap-pass", "p"},
			wantErr: "--provider",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--llm-api-key", "k", "--to", "me@example.com"}, tt.args...)
			cmd := newCommand(t, args...)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			cfg, err := LoadConfig(cmd, nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("LoadConfig() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadConfig() error = %v", err)
			}
			if cfg.IMAPHost != tt.wantIMAP || cfg.SMTPHost != tt.wantSMTP || cfg.SMTPPort != tt.wantPort {
				t.Errorf("servers = %s %s:%d, want %s %s:%d", cfg.IMAPHost, cfg.SMTPHost, cfg.SMTPPort, tt.wantIMAP, tt.wantSMTP, tt.wantPort)
			}
			if cfg.IMAPUser != tt.wantUser || cfg.IMAPPass != tt.wantPass {
				t.Errorf("credentials = %q/%q, want %q/%q", cfg.IMAPUser, cfg.IMAPPass, tt.wantUser, tt.wantPass)
			}
			if cfg.SMTPUser != tt.wantUser || cfg.From != tt.wantUser {
				t.Errorf("smtp user = %q from = %q", cfg.SMTPUser, cfg.From)
			}
		})
	}
}

func TestLoadStateConfig(t *testing.T) {
	dir := t.TempDir()
	cmd := newCommand(t, "--state-dir", dir, "--ledger", "SQLite")
	cfg, err := LoadStateConfig(cmd)
	if err != nil {
		t.Fatalf("LoadStateConfig() error = %v", err)
	}
	if cfg.StateDir != dir || cfg.Ledger != "sqlite" {
		t.Errorf("cfg = %+v", cfg)
	}
}
