package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/mail-digest/credential"
)

const (
	SourceIMAP = "imap"
	SourceMbox = "mbox"

	EnvPrefix = "MAIL_DIGEST"
)

// SecretSource is consulted for passwords and API keys that were given
// neither as flags nor through the environment.
type SecretSource interface {
	Lookup(key string) (string, bool)
}

// Config captures all options of a digest run.
type Config struct {
	ConfigFile string

	Source   string
	MboxPath string
	Provider string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPFolder         string
	UseTLS             bool
	InsecureSkipVerify bool

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	From     string

	To             []string
	Subject        string
	SendAttachment bool
	Limit          int
	All            bool

	LLMEndpoint string
	LLMModel    string
	LLMAPIKey   string
	LLMTimeout  time.Duration
	Concurrency int
	RunTimeout  time.Duration

	StateDir    string
	Ledger      string
	ArchiveDir  string
	RetryFailed bool
	DryRun      bool

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	LogLevel string
	LogDir   string
}

// RegisterFlags attaches all CLI flags to the provided command. They are
// persistent so sub-commands share the state and logging options.
func RegisterFlags(cmd *cobra.Command) error {
	base, err := defaultBaseDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", filepath.Join(base, "config.yaml"), "Path to an optional YAML config file")

	flags.String("source", SourceIMAP, "Message source: imap or mbox")
	flags.String("mbox", "", "Path to a local .mbox file (with --source mbox)")

	flags.String("provider", "", "Mail service preset filling IMAP/SMTP hosts and SMTP port: "+providerNames()+" (falls back to EMAIL_USE env var)")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username (falls back to EMAIL_USERNAME env var)")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS or EMAIL_PASSWORD env vars, then the keyring)")
	flags.String("imap-folder", "INBOX", "IMAP folder to read")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")

	flags.String("smtp-host", "", "SMTP server hostname")
	flags.Int("smtp-port", 465, "SMTP server port (465 implicit TLS, otherwise STARTTLS)")
	flags.String("smtp-user", "", "SMTP username (defaults to --imap-user)")
	flags.String("smtp-pass", "", "SMTP password (falls back to SMTP_PASS env var, then the keyring)")
	flags.String("from", "", "Sender address of the notification (defaults to --smtp-user)")

	flags.StringSlice("to", nil, "Notification recipient, repeat or comma-separate for several")
	flags.String("subject", "", "Notification subject (default \"Mail digest <date>\")")
	flags.Bool("send-attachment", false, "Attach the archive document to the notification")
	flags.Int("limit", 20, "Maximum number of messages to consider (1-50)")
	flags.Bool("all", false, "Consider read messages too, not only unseen ones")

	flags.String("llm-endpoint", "https://api.openai.com/v1/chat/completions", "OpenAI-compatible chat completions endpoint")
	flags.String("llm-model", "gpt-4o-mini", "Model used for summaries")
	flags.String("llm-api-key", "", "API key (falls back to OPENAI_API_KEY env var, then the keyring)")
	flags.Duration("llm-timeout", 60*time.Second, "Timeout of a single summary call")
	flags.Int("concurrency", 8, "Maximum concurrent summary calls")
	flags.Duration("run-timeout", 5*time.Minute, "Timeout of the whole run")

	flags.String("state-dir", filepath.Join(base, "state"), "Directory for the processed-message ledger")
	flags.String("ledger", "file", "Ledger backend: file or sqlite")
	flags.String("archive-dir", filepath.Join(base, "archive"), "Directory for archive documents")
	flags.Bool("retry-failed", false, "Offer messages whose summary failed again on the next run")
	flags.Bool("dry-run", false, "Summarize and archive, but neither send nor record anything")

	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")

	return nil
}

// LoadConfig resolves flags, the config file, MAIL_DIGEST_* variables and
// secrets into a validated Config. Explicit flags win over the environment,
// which wins over the config file.
func LoadConfig(cmd *cobra.Command, secrets SecretSource) (Config, error) {
	cfg, err := load(cmd)
	if err != nil {
		return Config{}, err
	}

	imapEnv := append([]string{"IMAP_PASS"}, passwordEnv...)
	cfg.IMAPPass = resolveSecret(cfg.IMAPPass, credential.KeyIMAPPassword, secrets, imapEnv...)
	cfg.SMTPPass = resolveSecret(cfg.SMTPPass, credential.KeySMTPPassword, secrets, "SMTP_PASS")
	cfg.LLMAPIKey = resolveSecret(cfg.LLMAPIKey, credential.KeyLLMAPIKey, secrets, "OPENAI_API_KEY")

	if cfg.SMTPUser == "" {
		cfg.SMTPUser = cfg.IMAPUser
	}
	if cfg.SMTPPass == "" && cfg.SMTPUser == cfg.IMAPUser {
		cfg.SMTPPass = cfg.IMAPPass
	}
	if cfg.From == "" {
		cfg.From = cfg.SMTPUser
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadStateConfig resolves only what the ledger commands need.
func LoadStateConfig(cmd *cobra.Command) (Config, error) {
	cfg, err := load(cmd)
	if err != nil {
		return Config{}, err
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	if err := validateLedger(cfg.Ledger); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func load(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	configFile := v.GetString("config")
	if err := readConfigFile(v, configFile, flags.Changed("config")); err != nil {
		return Config{}, err
	}

	logLevel := strings.ToLower(strings.TrimSpace(v.GetString("log-level")))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	base, err := defaultBaseDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := v.GetString("state-dir")
	if stateDir == "" {
		stateDir = filepath.Join(base, "state")
	}
	archiveDir := v.GetString("archive-dir")
	if archiveDir == "" {
		archiveDir = filepath.Join(base, "archive")
	}

	provider := normalizeProvider(v.GetString("provider"))
	if provider == "" {
		provider = normalizeProvider(firstEnv(providerEnv...))
	}
	imapUser := v.GetString("imap-user")
	if imapUser == "" {
		imapUser = firstEnv(userEnv...)
	}

	cfg := Config{
		ConfigFile: configFile,

		Source:   strings.ToLower(strings.TrimSpace(v.GetString("source"))),
		MboxPath: v.GetString("mbox"),
		Provider: provider,

		IMAPHost:           v.GetString("imap-host"),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           imapUser,
		IMAPPass:           v.GetString("imap-pass"),
		IMAPFolder:         v.GetString("imap-folder"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),

		SMTPHost: v.GetString("smtp-host"),
		SMTPPort: v.GetInt("smtp-port"),
		SMTPUser: v.GetString("smtp-user"),
		SMTPPass: v.GetString("smtp-pass"),
		From:     v.GetString("from"),

		To:             splitList(v.GetStringSlice("to")),
		Subject:        v.GetString("subject"),
		SendAttachment: v.GetBool("send-attachment"),
		Limit:          v.GetInt("limit"),
		All:            v.GetBool("all"),

		LLMEndpoint: v.GetString("llm-endpoint"),
		LLMModel:    v.GetString("llm-model"),
		LLMAPIKey:   v.GetString("llm-api-key"),
		LLMTimeout:  v.GetDuration("llm-timeout"),
		Concurrency: v.GetInt("concurrency"),
		RunTimeout:  v.GetDuration("run-timeout"),

		StateDir:    filepath.Clean(stateDir),
		Ledger:      strings.ToLower(strings.TrimSpace(v.GetString("ledger"))),
		ArchiveDir:  filepath.Clean(archiveDir),
		RetryFailed: v.GetBool("retry-failed"),
		DryRun:      v.GetBool("dry-run"),

		IncludeHeader: patterns(v, flags, "include-header"),
		IncludeBody:   patterns(v, flags, "include-body"),
		ExcludeHeader: patterns(v, flags, "exclude-header"),
		ExcludeBody:   patterns(v, flags, "exclude-body"),

		LogLevel: logLevel,
		LogDir:   v.GetString("log-dir"),
	}
	applyProvider(&cfg, v)
	return cfg, nil
}

// readConfigFile merges the YAML file into v. A missing file is only an
// error when the path was given explicitly.
func readConfigFile(v *viper.Viper, path string, explicit bool) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if !explicit && (errors.Is(err, os.ErrNotExist) || errors.As(err, &notFound)) {
		return nil
	}
	return fmt.Errorf("reading config %s: %w", path, err)
}

// patterns prefers the raw flag values so regexes containing commas survive.
func patterns(v *viper.Viper, flags *pflag.FlagSet, name string) []string {
	if flags.Changed(name) {
		values, err := flags.GetStringArray(name)
		if err == nil {
			return values
		}
	}
	return v.GetStringSlice(name)
}

func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// resolveSecret returns value, else the first non-empty envKeys variable,
// else the keyring entry secretKey.
func resolveSecret(value, secretKey string, secrets SecretSource, envKeys ...string) string {
	if value != "" {
		return value
	}
	if env := firstEnv(envKeys...); env != "" {
		return env
	}
	if secrets != nil {
		if secret, ok := secrets.Lookup(secretKey); ok {
			return secret
		}
	}
	return ""
}

func validateConfig(cfg Config) error {
	if err := validateProvider(cfg.Provider); err != nil {
		return err
	}
	switch cfg.Source {
	case SourceIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host or --provider is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user or EMAIL_USERNAME env var is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass, IMAP_PASS or EMAIL_PASSWORD env var or the keyring")
		}
		if err := validatePort("--imap-port", cfg.IMAPPort); err != nil {
			return err
		}
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required with --source mbox")
		}
	default:
		return fmt.Errorf("invalid --source: %s", cfg.Source)
	}

	if cfg.LLMAPIKey == "" {
		return fmt.Errorf("LLM API key must be provided via --llm-api-key, OPENAI_API_KEY env var or the keyring")
	}
	if cfg.LLMTimeout <= 0 {
		return fmt.Errorf("--llm-timeout must be positive")
	}
	if cfg.RunTimeout <= 0 {
		return fmt.Errorf("--run-timeout must be positive")
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("--concurrency must be at least 1")
	}

	if !cfg.DryRun {
		if len(cfg.To) == 0 {
			return fmt.Errorf("--to is required unless --dry-run is set")
		}
		if cfg.SMTPHost == "" {
			return fmt.Errorf("--smtp-host is required unless --dry-run is set")
		}
		if err := validatePort("--smtp-port", cfg.SMTPPort); err != nil {
			return err
		}
		if cfg.From == "" {
			return fmt.Errorf("--from or --smtp-user is required unless --dry-run is set")
		}
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	if err := validateLedger(cfg.Ledger); err != nil {
		return err
	}
	return validateLogLevel(cfg.LogLevel)
}

func validatePort(flag string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535", flag)
	}
	return nil
}

func validateLedger(backend string) error {
	switch backend {
	case "file", "sqlite":
		return nil
	}
	return fmt.Errorf("invalid --ledger: %s", backend)
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid --log-level: %s", level)
}

func defaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mail-digest"), nil
}

// CredentialDir is where the file keyring backend keeps its encrypted store.
func CredentialDir() string {
	base, err := defaultBaseDir()
	if err != nil {
		return filepath.Join(".mail-digest", "credentials")
	}
	return filepath.Join(base, "credentials")
}
