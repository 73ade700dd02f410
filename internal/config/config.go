package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultPort = 8000
	DefaultHost = "0.0.0.0"

	DefaultFileWriteDelay = 150 * time.Millisecond // Small delay to ensure file write is complete
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			LogDir:     "./logs",
			Theme:      "default",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			FileOutput: true,
		},
		Docker: DockerConfig{
			Image:          "acestream/engine:latest",
			OwnerLabel:     "acefleet",
			PortRangeHost:  PortRange{From: 19000, To: 19100},
			AceHTTPRange:   PortRange{From: 6878, To: 6978},
			AceHTTPSRange:  PortRange{From: 6978, To: 7078},
			StopGrace:      10 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		VPN: VPNConfig{
			PollInterval:          5 * time.Second,
			RecoveryStabilization: 120 * time.Second,
			RequestTimeout:        5 * time.Second,
		},
		Scaler: ScalerConfig{
			MinReplicas:       1,
			MaxReplicas:       5,
			MaxActiveReplicas: 5,
			TickInterval:      5 * time.Second,
			Cooldown:          60 * time.Second,
			MinEngineLifetime: 60 * time.Second,
			ProvisionTimeout:  60 * time.Second,
		},
		Streams: StreamsConfig{
			MaxStreamsPerEngine: 3,
			CollectInterval:     2 * time.Second,
			LoopCheckInterval:   10 * time.Second,
			LoopThreshold:       time.Hour,
			StreamTimeout:       60 * time.Second,
			EndedRetention:      time.Hour,
			CleanupInterval:     5 * time.Minute,
		},
		Proxy: ProxyConfig{
			Mode:                StreamModeTS,
			ChunkSize:           1 << 20, // ~1 MiB, aligned to TS packets before use
			MaxChunks:           64,
			ChunkTTL:            60 * time.Second,
			Backfill:            3,
			CatchUpThreshold:    50,
			HeartbeatInterval:   10 * time.Second,
			GhostMultiplier:     5,
			SweepInterval:       5 * time.Second,
			ShutdownDelay:       5 * time.Second,
			ProvisionWait:       15 * time.Second,
			ConnectTimeout:      10 * time.Second,
			ReadTimeout:         30 * time.Second,
			UpstreamRetries:     3,
			Buffer:              BufferConfig{Backend: "memory"},
			HLSMaxSegments:      20,
			HLSWindowSize:       6,
			HLSFetchIntervalMul: 0.5,
		},
		Blacklist: BlacklistConfig{},
		State: StateConfig{
			SnapshotPath:     "./state/fleet.json",
			SnapshotDebounce: 5 * time.Second,
		},
	}
}

// Load loads configuration from file and environment variables
func Load(onConfigChange func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("ACEFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("ACEFLEET_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			// lame debounce to avoid rapid-fire reloads
			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return
			}
			lastReload = now

			// on some platforms the event fires before the file is
			// fully written
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return config, nil
}

// Reread re-unmarshals the watched viper state into a fresh record (hot
// reload path); the caller swaps it in through the Manager.
func Reread() (*Config, error) {
	config := DefaultConfig()
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects configuration records that cannot be run
func (c *Config) Validate() error {
	if c.Scaler.MinReplicas < 0 {
		return fmt.Errorf("scaler.min_replicas must be >= 0, got %d", c.Scaler.MinReplicas)
	}
	if c.Scaler.MaxReplicas < 1 {
		return fmt.Errorf("scaler.max_replicas must be >= 1, got %d", c.Scaler.MaxReplicas)
	}
	if c.Scaler.MinReplicas > c.Scaler.MaxReplicas {
		return fmt.Errorf("scaler.min_replicas (%d) exceeds scaler.max_replicas (%d)",
			c.Scaler.MinReplicas, c.Scaler.MaxReplicas)
	}
	if c.Scaler.MaxActiveReplicas < 1 {
		return fmt.Errorf("scaler.max_active_replicas must be >= 1, got %d", c.Scaler.MaxActiveReplicas)
	}
	if c.Streams.MaxStreamsPerEngine < 1 {
		return fmt.Errorf("streams.max_streams_per_engine must be >= 1, got %d", c.Streams.MaxStreamsPerEngine)
	}
	if c.Proxy.Mode != StreamModeTS && c.Proxy.Mode != StreamModeHLS {
		return fmt.Errorf("proxy.mode must be TS or HLS, got %q", c.Proxy.Mode)
	}
	if c.Proxy.ChunkSize < 188 {
		return fmt.Errorf("proxy.chunk_size must hold at least one TS packet, got %d", c.Proxy.ChunkSize)
	}
	if c.Proxy.GhostMultiplier < 1 {
		return fmt.Errorf("proxy.ghost_multiplier must be >= 1, got %d", c.Proxy.GhostMultiplier)
	}
	if c.Proxy.HLSWindowSize > c.Proxy.HLSMaxSegments {
		return fmt.Errorf("proxy.hls_window_size (%d) exceeds proxy.hls_max_segments (%d)",
			c.Proxy.HLSWindowSize, c.Proxy.HLSMaxSegments)
	}
	if b := c.Proxy.Buffer.Backend; b != "memory" && b != "redis" {
		return fmt.Errorf("proxy.buffer.backend must be memory or redis, got %q", b)
	}
	if c.Proxy.Buffer.Backend == "redis" && c.Proxy.Buffer.Addr == "" {
		return fmt.Errorf("proxy.buffer.addr is required with the redis backend")
	}
	if c.Docker.PortRangeHost.Size() == 0 {
		return fmt.Errorf("docker.port_range_host is empty")
	}
	seen := make(map[string]struct{}, len(c.VPN.Sidecars))
	for _, s := range c.VPN.Sidecars {
		if s.Name == "" || s.URL == "" {
			return fmt.Errorf("vpn sidecar entries need both name and url")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate vpn sidecar name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	if len(c.VPN.Sidecars) > 2 {
		return fmt.Errorf("at most two vpn sidecars are supported, got %d", len(c.VPN.Sidecars))
	}
	return nil
}

// Clone returns a deep-enough copy for mutate-validate-swap updates
func (c *Config) Clone() *Config {
	cp := *c
	cp.VPN.Sidecars = append([]VPNSidecar(nil), c.VPN.Sidecars...)
	if c.Docker.Env != nil {
		cp.Docker.Env = make(map[string]string, len(c.Docker.Env))
		for k, v := range c.Docker.Env {
			cp.Docker.Env[k] = v
		}
	}
	return &cp
}
