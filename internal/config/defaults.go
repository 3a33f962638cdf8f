package config

import (
	_ "embed"
	"time"
)

//go:embed defaults/server.yaml
var defaultServerYAML []byte

//go:embed defaults/client.yaml
var defaultClientYAML []byte

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        ":8080",
		HostKeyPath: ".ssh/lockstep_ed25519",
		DBPath:      "lockstep.db",
		TokenTTL:    24 * time.Hour,
		Scheduler: SchedulerConfig{
			Resolution:    5 * time.Millisecond,
			StartTimeout:  5 * time.Minute,
			CleanupPeriod: 30 * time.Second,
		},
		Channel: DefaultChannelConfig(),
		Transport: TransportConfig{
			RateLimit:    200,
			RateBurst:    400,
			SendBuffer:   256,
			MaxFrameSize: 64 * 1024,
			WriteTimeout: 10 * time.Second,
			PingPeriod:   30 * time.Second,
		},
		SessionDefaults: SessionDefaults{
			TicksPerSecond: 10,
			AcceptedLag:    500 * time.Millisecond,
			EchoCommands:   true,
		},
	}
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ServerURL:           "ws://localhost:8080",
		Cadence:             10 * time.Millisecond,
		CatchUpBudget:       10,
		SuspendClamp:        500 * time.Millisecond,
		LocalTicksPerSecond: 10,
		Channel:             DefaultChannelConfig(),
		Reconnect: ReconnectConfig{
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Assets: AssetsConfig{
			Count:    12,
			Interval: 80 * time.Millisecond,
		},
	}
}

// DefaultChannelConfig returns the channel timings shared by both ends.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		IdleKeepAlive: 20 * time.Second,
		AckDelay:      100 * time.Millisecond,
	}
}
