// Package delivery hands rendered follow-up messages to an outbound channel.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"followup/internal/domain"
)

// Deliverer sends one message. A returned error or a receipt with
// Delivered=false both count as a failed delivery.
type Deliverer interface {
	Deliver(ctx context.Context, msg domain.Message) (domain.Receipt, error)
}

const (
	DriverLog     = "log"
	DriverWebhook = "webhook"
	DriverCommand = "command"
)

type Config struct {
	Driver     string            `mapstructure:"driver"`
	WebhookURL string            `mapstructure:"webhook_url"`
	Headers    map[string]string `mapstructure:"headers"`
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Timeout    time.Duration     `mapstructure:"timeout"`
	// RatePerSec caps deliveries per second across workers. Zero disables it.
	RatePerSec int `mapstructure:"rate_per_sec"`
}

// New builds the configured deliverer, throttled when RatePerSec is set.
func New(cfg Config) (Deliverer, error) {
	var d Deliverer
	switch strings.ToLower(cfg.Driver) {
	case "", DriverLog:
		d = NewLog()
	case DriverWebhook:
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("delivery: webhook_url is required for the webhook driver")
		}
		d = NewWebhook(cfg.WebhookURL, cfg.Headers, cfg.Timeout)
	case DriverCommand:
		if cfg.Command == "" {
			return nil, fmt.Errorf("delivery: command is required for the command driver")
		}
		d = NewCommand(cfg.Command, cfg.Args...)
	default:
		return nil, fmt.Errorf("delivery: unknown driver %q", cfg.Driver)
	}
	if cfg.RatePerSec > 0 {
		d = Throttle(d, cfg.RatePerSec)
	}
	return d, nil
}
