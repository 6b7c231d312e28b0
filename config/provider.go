package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Provider holds the server settings of a well-known mail service.
type Provider struct {
	IMAPHost string
	SMTPHost string
	SMTPPort int
}

var Providers = map[string]Provider{
	"gmail":   {IMAPHost: "imap.gmail.com", SMTPHost: "smtp.gmail.com", SMTPPort: 587},
	"outlook": {IMAPHost: "outlook.office365.com", SMTPHost: "smtp.office365.com", SMTPPort: 587},
	"qq":      {IMAPHost: "imap.qq.com", SMTPHost: "smtp.qq.com", SMTPPort: 465},
	"163":     {IMAPHost: "imap.163.com", SMTPHost: "smtp.163.com", SMTPPort: 465},
}

// EMAIL_* variables are read when neither the flag nor its MAIL_DIGEST_*
// variable is set.
var (
	providerEnv = []string{"EMAIL_USE"}
	userEnv     = []string{"EMAIL_USERNAME", "EMAIL_USER"}
	passwordEnv = []string{"EMAIL_PASSWORD", "EMAIL_AUTH_CODE"}
)

func providerNames() string {
	names := make([]string, 0, len(Providers))
	for name := range Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// applyProvider fills hosts and the SMTP port from the configured preset.
// Values set by flag, environment or config file are left alone. Unknown
// names are reported by validateConfig.
func applyProvider(cfg *Config, v *viper.Viper) {
	preset, ok := Providers[cfg.Provider]
	if !ok {
		return
	}
	if cfg.IMAPHost == "" {
		cfg.IMAPHost = preset.IMAPHost
	}
	if cfg.SMTPHost == "" {
		cfg.SMTPHost = preset.SMTPHost
	}
	if !v.IsSet("smtp-port") {
		cfg.SMTPPort = preset.SMTPPort
	}
}

func validateProvider(name string) error {
	if name == "" {
		return nil
	}
	if _, ok := Providers[name]; !ok {
		return fmt.Errorf("invalid --provider: %s (known: %s)", name, providerNames())
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}
