package config

import "time"

// Config holds all configuration for the orchestrator
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	Docker    DockerConfig    `yaml:"docker" mapstructure:"docker"`
	VPN       VPNConfig       `yaml:"vpn" mapstructure:"vpn"`
	Scaler    ScalerConfig    `yaml:"scaler" mapstructure:"scaler"`
	Streams   StreamsConfig   `yaml:"streams" mapstructure:"streams"`
	Proxy     ProxyConfig     `yaml:"proxy" mapstructure:"proxy"`
	Blacklist BlacklistConfig `yaml:"blacklist" mapstructure:"blacklist"`
	State     StateConfig     `yaml:"state" mapstructure:"state"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" mapstructure:"host"`
	Port            int           `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	LogDir     string `yaml:"log_dir" mapstructure:"log_dir"`
	Theme      string `yaml:"theme" mapstructure:"theme"`
	MaxSize    int    `yaml:"max_size" mapstructure:"max_size"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAge     int    `yaml:"max_age" mapstructure:"max_age"`
	FileOutput bool   `yaml:"file_output" mapstructure:"file_output"`
	PrettyLogs bool   `yaml:"pretty_logs" mapstructure:"pretty_logs"`
}

// DockerConfig holds container driver configuration
type DockerConfig struct {
	Image          string            `yaml:"image" mapstructure:"image"`
	Network        string            `yaml:"network" mapstructure:"network"`
	OwnerLabel     string            `yaml:"owner_label" mapstructure:"owner_label"`
	Conf           string            `yaml:"conf" mapstructure:"conf"`
	Env            map[string]string `yaml:"env" mapstructure:"env"`
	PortRangeHost  PortRange         `yaml:"port_range_host" mapstructure:"port_range_host"`
	AceHTTPRange   PortRange         `yaml:"ace_http_range" mapstructure:"ace_http_range"`
	AceHTTPSRange  PortRange         `yaml:"ace_https_range" mapstructure:"ace_https_range"`
	StopGrace      time.Duration     `yaml:"stop_grace" mapstructure:"stop_grace"`
	RequestTimeout time.Duration     `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// PortRange is an inclusive host or container port range
type PortRange struct {
	From int `yaml:"from" mapstructure:"from"`
	To   int `yaml:"to" mapstructure:"to"`
}

func (r PortRange) Size() int {
	if r.To < r.From {
		return 0
	}
	return r.To - r.From + 1
}

// VPNSidecar describes one gluetun-style VPN sidecar
type VPNSidecar struct {
	Name              string `yaml:"name" mapstructure:"name"`
	URL               string `yaml:"url" mapstructure:"url"`
	NetworkContainer  string `yaml:"network_container" mapstructure:"network_container"`
	MaxActiveReplicas int    `yaml:"max_active_replicas" mapstructure:"max_active_replicas"`
}

// VPNConfig holds VPN coordinator configuration. Zero sidecars disables
// VPN coordination entirely; one runs single mode, two runs redundant mode.
type VPNConfig struct {
	Sidecars              []VPNSidecar  `yaml:"sidecars" mapstructure:"sidecars"`
	PollInterval          time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	RecoveryStabilization time.Duration `yaml:"recovery_stabilization" mapstructure:"recovery_stabilization"`
	RequestTimeout        time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// ScalerConfig holds autoscaler policy configuration
type ScalerConfig struct {
	MinReplicas       int           `yaml:"min_replicas" mapstructure:"min_replicas"`
	MaxReplicas       int           `yaml:"max_replicas" mapstructure:"max_replicas"`
	MaxActiveReplicas int           `yaml:"max_active_replicas" mapstructure:"max_active_replicas"`
	TickInterval      time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	Cooldown          time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	MinEngineLifetime time.Duration `yaml:"min_engine_lifetime" mapstructure:"min_engine_lifetime"`
	ProvisionTimeout  time.Duration `yaml:"provision_timeout" mapstructure:"provision_timeout"`
}

// StreamsConfig holds stream registry and detector configuration
type StreamsConfig struct {
	MaxStreamsPerEngine int           `yaml:"max_streams_per_engine" mapstructure:"max_streams_per_engine"`
	CollectInterval     time.Duration `yaml:"collect_interval" mapstructure:"collect_interval"`
	LoopCheckInterval   time.Duration `yaml:"loop_check_interval" mapstructure:"loop_check_interval"`
	LoopThreshold       time.Duration `yaml:"loop_threshold" mapstructure:"loop_threshold"`
	StreamTimeout       time.Duration `yaml:"stream_timeout" mapstructure:"stream_timeout"`
	EndedRetention      time.Duration `yaml:"ended_retention" mapstructure:"ended_retention"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// StreamMode selects the delivery mode of the proxy
type StreamMode string

const (
	StreamModeTS  StreamMode = "TS"
	StreamModeHLS StreamMode = "HLS"
)

// ProxyConfig holds the multiplexing proxy configuration
type ProxyConfig struct {
	Mode                StreamMode    `yaml:"mode" mapstructure:"mode"`
	ChunkSize           int           `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxChunks           int           `yaml:"max_chunks" mapstructure:"max_chunks"`
	ChunkTTL            time.Duration `yaml:"chunk_ttl" mapstructure:"chunk_ttl"`
	Backfill            int           `yaml:"backfill" mapstructure:"backfill"`
	CatchUpThreshold    int           `yaml:"catch_up_threshold" mapstructure:"catch_up_threshold"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	GhostMultiplier     int           `yaml:"ghost_multiplier" mapstructure:"ghost_multiplier"`
	SweepInterval       time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	ShutdownDelay       time.Duration `yaml:"shutdown_delay" mapstructure:"shutdown_delay"`
	ProvisionWait       time.Duration `yaml:"provision_wait" mapstructure:"provision_wait"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout         time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	UpstreamRetries     int           `yaml:"upstream_retries" mapstructure:"upstream_retries"`
	Buffer              BufferConfig  `yaml:"buffer" mapstructure:"buffer"`
	HLSMaxSegments      int           `yaml:"hls_max_segments" mapstructure:"hls_max_segments"`
	HLSWindowSize       int           `yaml:"hls_window_size" mapstructure:"hls_window_size"`
	HLSFetchIntervalMul float64       `yaml:"hls_fetch_interval_mul" mapstructure:"hls_fetch_interval_mul"`
}

// BufferConfig selects the chunk buffer backend. "memory" keeps an in-process
// ring; "redis" uses an external store with per-chunk TTL.
type BufferConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
	DB      int    `yaml:"db" mapstructure:"db"`
}

// BlacklistConfig holds loop blacklist configuration
type BlacklistConfig struct {
	RetentionMinutes int    `yaml:"retention_minutes" mapstructure:"retention_minutes"`
	PersistPath      string `yaml:"persist_path" mapstructure:"persist_path"`
}

// StateConfig holds fleet snapshot persistence configuration
type StateConfig struct {
	SnapshotPath     string        `yaml:"snapshot_path" mapstructure:"snapshot_path"`
	SnapshotDebounce time.Duration `yaml:"snapshot_debounce" mapstructure:"snapshot_debounce"`
}

// AuthConfig holds the bearer token guarding privileged endpoints
type AuthConfig struct {
	APIToken string `yaml:"api_token" mapstructure:"api_token"`
}
