// Package transport treats the actual delivery channel as an opaque send
// call that returns success with a provider message id, or an error.
package transport

import (
	"context"
	"fmt"
)

// SendRequest is what a transport needs to deliver one message.
type SendRequest struct {
	FromIdentity string
	ToAddress    string
	Subject      string
	BodyHTML     string
	BodyText     string
}

// SendResult is a transport accept. Acceptance does not imply final
// delivery; bounces arrive later through the delivery-event webhook.
type SendResult struct {
	ProviderMessageID string
}

// Transport sends a single message through one provider.
type Transport interface {
	// Name identifies the provider, used as the circuit breaker and
	// rate limiter resource name.
	Name() string

	// Send delivers the message or returns a raw provider error for
	// classification.
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// ProviderType discriminates credential shapes.
type ProviderType string

const (
	ProviderSMTP ProviderType = "smtp"
	ProviderAPI  ProviderType = "api"
)

// ProviderConfig is a tagged variant: only the fields for its Type are
// set, and they are resolved at the point a send is attempted.
type ProviderConfig struct {
	Name string       `yaml:"name"`
	Type ProviderType `yaml:"type"`

	// smtp
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// api
	BaseURL string `yaml:"base_url,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`

	// pacing
	HourlyLimit int `yaml:"hourly_limit,omitempty"`
	DailyLimit  int `yaml:"daily_limit,omitempty"`
}

// New resolves a provider config into its concrete transport.
func New(cfg ProviderConfig) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case ProviderSMTP:
		return NewSMTP(cfg), nil
	case ProviderAPI:
		return NewAPI(cfg), nil
	}
	return nil, fmt.Errorf("provider %s: unknown type %q", cfg.Name, cfg.Type)
}

// Validate checks that the fields required by the variant's type are set.
func (c ProviderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	switch c.Type {
	case ProviderSMTP:
		if c.Host == "" || c.Port == 0 {
			return fmt.Errorf("provider %s: smtp requires host and port", c.Name)
		}
	case ProviderAPI:
		if c.BaseURL == "" || c.APIKey == "" {
			return fmt.Errorf("provider %s: api requires base_url and api_key", c.Name)
		}
	default:
		return fmt.Errorf("provider %s: unknown type %q", c.Name, c.Type)
	}
	return nil
}
