package email

import (
	"fmt"
	"strings"
)

// Config is the "email" section of the configuration: one outbound SMTP
// account used to mail rundowns.
type Config struct {
	SMTP SMTPConfig `yaml:"smtp"`

	// From is the sender address ("Cadence <cadence@example.com>").
	From string `yaml:"from"`

	// DefaultTo receives rundowns when the request names no address.
	DefaultTo string `yaml:"default_to"`

	// AllowedDomains restricts recipients to these domains. Empty allows
	// any recipient.
	AllowedDomains []string `yaml:"allowed_domains"`
}

// SMTPConfig holds SMTP server connection parameters.
type SMTPConfig struct {
	Host string `yaml:"host"`

	// Port defaults to 587 (submission with STARTTLS).
	Port int `yaml:"port"`

	Username string `yaml:"username"`

	// Password supports ${ENV} expansion through the config loader.
	Password string `yaml:"password"`

	// StartTLS upgrades a plain connection. Defaults to true except on
	// port 465, which uses implicit TLS.
	StartTLS bool `yaml:"starttls"`
}

// Configured reports whether outbound mail is set up.
func (c Config) Configured() bool {
	return c.SMTP.Host != "" && c.From != ""
}

// ApplyDefaults fills zero-value fields.
func (c *Config) ApplyDefaults() {
	if c.SMTP.Host == "" {
		return
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if !c.SMTP.StartTLS && c.SMTP.Port != 465 {
		c.SMTP.StartTLS = true
	}
}

// Validate checks that a configured section is usable.
func (c Config) Validate() error {
	if c.SMTP.Host == "" {
		return nil
	}
	if c.From == "" {
		return fmt.Errorf("email.from is required when email.smtp.host is set")
	}
	if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
		return fmt.Errorf("email.smtp.port %d out of range (1-65535)", c.SMTP.Port)
	}
	if c.SMTP.Password != "" && c.SMTP.Username == "" {
		return fmt.Errorf("email.smtp.username is required when a password is set")
	}
	for i, d := range c.AllowedDomains {
		if strings.TrimSpace(d) == "" || strings.Contains(d, "@") {
			return fmt.Errorf("email.allowed_domains[%d] %q is not a domain", i, d)
		}
	}
	return nil
}
