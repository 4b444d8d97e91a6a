// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-gupshup/pkg/database"
	"github.com/aiku/mautrix-gupshup/pkg/matrix"
)

//go:embed example-config.yaml
var ExampleConfig string

// GupshupConfig holds the gateway endpoint settings.
type GupshupConfig struct {
	BaseURL        string `yaml:"base_url"`
	ReactionURL    string `yaml:"reaction_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// WebhookConfig holds the inbound webhook listener settings.
type WebhookConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes"`
}

// BridgeConfig tunes the relay engine.
type BridgeConfig struct {
	Workers        int `yaml:"workers"`
	QueueSize      int `yaml:"queue_size"`
	MessageMapSize int `yaml:"message_map_size"`

	MaxSendAttempts int `yaml:"max_send_attempts"`
	BackoffBaseMS   int `yaml:"backoff_base_ms"`
	BackoffMaxMS    int `yaml:"backoff_max_ms"`

	// ReactionRetries bounds requeues of reactions that arrive before
	// the message they refer to. Unset defaults to 1; an explicit 0
	// disables requeueing entirely.
	ReactionRetries      *int `yaml:"reaction_retries"`
	ReactionRetryDelayMS int  `yaml:"reaction_retry_delay_ms"`

	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`

	AdminRoom id.RoomID `yaml:"admin_room"`

	DisplaynameTemplate string `yaml:"displayname_template"`
	RoomNameTemplate    string `yaml:"room_name_template"`

	displaynameTemplate *template.Template `yaml:"-"`
	roomNameTemplate    *template.Template `yaml:"-"`
}

// Config is the root bridge configuration.
type Config struct {
	Homeserver matrix.Config     `yaml:"homeserver"`
	Gupshup    GupshupConfig     `yaml:"gupshup"`
	Database   database.Config   `yaml:"database"`
	Webhook    WebhookConfig     `yaml:"webhook"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// NameParams are the inputs to the displayname and room name templates.
type NameParams struct {
	Name  string
	Phone string
	App   string
}

// LoadConfig reads and post-processes a config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults and compiles the name templates.
func (c *Config) PostProcess() error {
	if c.Webhook.Path == "" {
		c.Webhook.Path = "/receive"
	}
	if c.Webhook.ListenAddress == "" {
		c.Webhook.ListenAddress = ":29318"
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
	if c.Bridge.Workers <= 0 {
		c.Bridge.Workers = 8
	}
	if c.Bridge.QueueSize <= 0 {
		c.Bridge.QueueSize = 256
	}
	if c.Bridge.MessageMapSize <= 0 {
		c.Bridge.MessageMapSize = 500
	}
	if c.Bridge.MaxSendAttempts <= 0 {
		c.Bridge.MaxSendAttempts = 4
	}
	if c.Bridge.BackoffBaseMS <= 0 {
		c.Bridge.BackoffBaseMS = 500
	}
	if c.Bridge.BackoffMaxMS <= 0 {
		c.Bridge.BackoffMaxMS = 30000
	}
	if c.Bridge.ReactionRetryDelayMS <= 0 {
		c.Bridge.ReactionRetryDelayMS = 2000
	}
	if c.Bridge.ShutdownGraceSeconds <= 0 {
		c.Bridge.ShutdownGraceSeconds = 15
	}
	if c.Bridge.DisplaynameTemplate == "" {
		c.Bridge.DisplaynameTemplate = "{{if .Name}}{{.Name}}{{else}}{{.Phone}}{{end}} (WA)"
	}
	if c.Bridge.RoomNameTemplate == "" {
		c.Bridge.RoomNameTemplate = "{{if .Name}}{{.Name}}{{else}}{{.Phone}}{{end}} ({{.App}})"
	}

	var err error
	c.Bridge.displaynameTemplate, err = template.New("displayname").Parse(c.Bridge.DisplaynameTemplate)
	if err != nil {
		return fmt.Errorf("invalid displayname template: %w", err)
	}
	c.Bridge.roomNameTemplate, err = template.New("room_name").Parse(c.Bridge.RoomNameTemplate)
	if err != nil {
		return fmt.Errorf("invalid room name template: %w", err)
	}
	return nil
}

// GatewayTimeout returns the outbound HTTP timeout.
func (c *Config) GatewayTimeout() time.Duration {
	if c.Gupshup.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Gupshup.TimeoutSeconds) * time.Second
}

// ReactionRetryLimit resolves the reaction requeue budget: 1 when unset,
// 0 (disabled) for explicit zero or negative values.
func (c *BridgeConfig) ReactionRetryLimit() int {
	if c.ReactionRetries == nil {
		return 1
	}
	if *c.ReactionRetries < 0 {
		return 0
	}
	return *c.ReactionRetries
}

// FormatDisplayname renders the ghost displayname for a remote user.
func (c *BridgeConfig) FormatDisplayname(params NameParams) string {
	return renderTemplate(c.displaynameTemplate, params, params.Phone)
}

// FormatRoomName renders the portal room name.
func (c *BridgeConfig) FormatRoomName(params NameParams) string {
	return renderTemplate(c.roomNameTemplate, params, params.Phone)
}

func renderTemplate(tpl *template.Template, params NameParams, fallback string) string {
	if tpl == nil {
		return fallback
	}
	var sb strings.Builder
	if err := tpl.Execute(&sb, params); err != nil {
		return fallback
	}
	return sb.String()
}
