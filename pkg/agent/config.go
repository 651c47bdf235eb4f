package agent

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/neuroplastio/neio-stream/internal/drivers"
	"github.com/neuroplastio/neio-stream/streamapi"
)

// Config holds process settings from the command line. It points to the
// stream configuration file, which is live reloaded.
type Config struct {
	DataDir      string `json:"dataDir"`
	StreamConfig string `json:"streamConfig"`
	HTTPAddr     string `json:"httpAddr"`
	Log          LogConfig `json:"log"`
}

type LogConfig struct {
	Level string `json:"level"`
	// File enables a rotated JSON log next to the console output.
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
}

// StreamConfig is stream.yml. Changes to Channels apply to the next driver
// activation of each channel; the other fields are read at startup only.
type StreamConfig struct {
	Platform     string                     `json:"platform" validate:"required,oneof=linux sim"`
	Sim          drivers.SimConfig          `json:"sim"`
	StartTimeout streamapi.Duration         `json:"startTimeout" validate:"gte=0"`
	MailboxSize  int                        `json:"mailboxSize" validate:"gte=1"`
	Channels     map[string]json.RawMessage `json:"channels"`
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Platform:     drivers.PlatformLinux,
		StartTimeout: streamapi.Duration(5 * time.Second),
		MailboxSize:  64,
		Channels: map[string]json.RawMessage{
			"battery": json.RawMessage(`{"pollInterval":"2s"}`),
			"motion":  json.RawMessage(`{"rate":"normal"}`),
		},
	}
}

func (c StreamConfig) Validate() error {
	for _, name := range c.channelNames() {
		if err := drivers.ValidateChannelConfig(name, c.Channels[name]); err != nil {
			return err
		}
	}
	return nil
}

func (c StreamConfig) channelNames() []string {
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
