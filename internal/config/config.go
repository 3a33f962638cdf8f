// Package config provides YAML-based configuration loading for the lockstep
// server and client.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// ServerConfig contains all configuration for `lockstep serve`.
type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	SSHAddr         string          `yaml:"ssh_addr"`      // Empty disables the admin console
	HostKeyPath     string          `yaml:"host_key_path"` // SSH host key, generated if missing
	DBPath          string          `yaml:"db_path"`
	TokenSecret     string          `yaml:"token_secret"`
	TokenTTL        time.Duration   `yaml:"token_ttl"`
	Scheduler       SchedulerConfig `yaml:"scheduler"`
	Channel         ChannelConfig   `yaml:"channel"`
	Transport       TransportConfig `yaml:"transport"`
	SessionDefaults SessionDefaults `yaml:"session_defaults"`
	Sessions        []SessionSpec   `yaml:"sessions"` // Created at boot
}

// SchedulerConfig tunes the process-wide wake queue timer.
type SchedulerConfig struct {
	Resolution    time.Duration `yaml:"resolution"`     // Coarse timer period
	StartTimeout  time.Duration `yaml:"start_timeout"`  // 0 keeps unstarted sessions forever
	CleanupPeriod time.Duration `yaml:"cleanup_period"` // How often to look for expired sessions
}

// ChannelConfig tunes the reliable message channel on both ends.
type ChannelConfig struct {
	IdleKeepAlive time.Duration `yaml:"idle_keep_alive"`
	AckDelay      time.Duration `yaml:"ack_delay"`
}

// TransportConfig tunes websocket connections.
type TransportConfig struct {
	RateLimit    float64       `yaml:"rate_limit"` // Inbound frames per second per connection
	RateBurst    int           `yaml:"rate_burst"`
	SendBuffer   int           `yaml:"send_buffer"` // Outbound frames buffered per connection
	MaxFrameSize int64         `yaml:"max_frame_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingPeriod   time.Duration `yaml:"ping_period"`
}

// SessionDefaults fill in what a session spec leaves out.
type SessionDefaults struct {
	TicksPerSecond int           `yaml:"ticks_per_second"`
	AcceptedLag    time.Duration `yaml:"accepted_lag"`
	EchoCommands   bool          `yaml:"echo_commands"`
}

// SessionSpec describes a session to create.
type SessionSpec struct {
	ID             string         `yaml:"id" json:"id,omitempty"`
	Players        []string       `yaml:"players" json:"players"`
	TicksPerSecond int            `yaml:"ticks_per_second" json:"ticks_per_second,omitempty"`
	AcceptedLag    *time.Duration `yaml:"accepted_lag" json:"-"` // nil means the default; 0 is strict lock-step
	AcceptedLagMs  *int64         `yaml:"-" json:"accepted_lag_msecs,omitempty"`
	EchoCommands   *bool          `yaml:"echo_commands" json:"echo_commands,omitempty"`
}

// Apply fills the zero fields of spec from the defaults.
func (d SessionDefaults) Apply(spec SessionSpec) SessionSpec {
	if spec.TicksPerSecond == 0 {
		spec.TicksPerSecond = d.TicksPerSecond
	}
	if spec.AcceptedLag == nil && spec.AcceptedLagMs != nil {
		lag := time.Duration(*spec.AcceptedLagMs) * time.Millisecond
		spec.AcceptedLag = &lag
	}
	if spec.AcceptedLag == nil {
		lag := d.AcceptedLag
		spec.AcceptedLag = &lag
	}
	ms := spec.AcceptedLag.Milliseconds()
	spec.AcceptedLagMs = &ms
	if spec.EchoCommands == nil {
		echo := d.EchoCommands
		spec.EchoCommands = &echo
	}
	return spec
}

// ClientConfig contains all configuration for `lockstep join` and `lockstep play`.
type ClientConfig struct {
	ServerURL           string          `yaml:"server_url"`
	Cadence             time.Duration   `yaml:"cadence"`         // Scheduler invocation period
	CatchUpBudget       int             `yaml:"catch_up_budget"` // Max ticks per invocation
	SuspendClamp        time.Duration   `yaml:"suspend_clamp"`   // Local sessions only
	LocalTicksPerSecond int             `yaml:"local_ticks_per_second"`
	Channel             ChannelConfig   `yaml:"channel"`
	Reconnect           ReconnectConfig `yaml:"reconnect"`
	Assets              AssetsConfig    `yaml:"assets"`
}

// ReconnectConfig controls the client's exponential reconnect backoff.
type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// AssetsConfig drives the simulated asset loader.
type AssetsConfig struct {
	Count    int           `yaml:"count"`
	Interval time.Duration `yaml:"interval"` // Per asset
}

// Validate rejects values the server cannot run with.
func (c ServerConfig) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr is empty", ErrInvalid)
	case c.TokenTTL <= 0:
		return fmt.Errorf("%w: token_ttl must be positive", ErrInvalid)
	case c.Scheduler.Resolution <= 0:
		return fmt.Errorf("%w: scheduler.resolution must be positive", ErrInvalid)
	case c.Transport.RateLimit <= 0 || c.Transport.RateBurst <= 0:
		return fmt.Errorf("%w: transport rate limit must be positive", ErrInvalid)
	case c.Transport.SendBuffer <= 0:
		return fmt.Errorf("%w: transport.send_buffer must be positive", ErrInvalid)
	}
	if err := c.Channel.validate(); err != nil {
		return err
	}
	if c.SessionDefaults.TicksPerSecond <= 0 {
		return fmt.Errorf("%w: session_defaults.ticks_per_second must be positive", ErrInvalid)
	}
	if c.SessionDefaults.AcceptedLag < 0 {
		return fmt.Errorf("%w: session_defaults.accepted_lag is negative", ErrInvalid)
	}
	seen := make(map[string]bool)
	for i, s := range c.Sessions {
		if s.ID == "" {
			return fmt.Errorf("%w: sessions[%d] has no id", ErrInvalid, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: session %q listed twice", ErrInvalid, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// Validate rejects values the client cannot run with.
func (c ClientConfig) Validate() error {
	switch {
	case c.Cadence <= 0:
		return fmt.Errorf("%w: cadence must be positive", ErrInvalid)
	case c.CatchUpBudget <= 0:
		return fmt.Errorf("%w: catch_up_budget must be positive", ErrInvalid)
	case c.SuspendClamp <= 0:
		return fmt.Errorf("%w: suspend_clamp must be positive", ErrInvalid)
	case c.LocalTicksPerSecond <= 0:
		return fmt.Errorf("%w: local_ticks_per_second must be positive", ErrInvalid)
	case c.Reconnect.InitialBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff:
		return fmt.Errorf("%w: reconnect backoff must be positive and max >= initial", ErrInvalid)
	case c.Assets.Count < 0:
		return fmt.Errorf("%w: assets.count is negative", ErrInvalid)
	}
	return c.Channel.validate()
}

func (c ChannelConfig) validate() error {
	if c.IdleKeepAlive <= 0 || c.AckDelay <= 0 {
		return fmt.Errorf("%w: channel timings must be positive", ErrInvalid)
	}
	return nil
}
