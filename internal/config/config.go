// Package config loads and hot-reloads the gateway's TOML configuration,
// keeping the same defaults-then-file-then-env shape the teacher uses for
// its JSON5 config, swapped to TOML per the wire-format requirement.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the SerialAgent gateway.
type Config struct {
	Agents    AgentsConfig    `toml:"agents"`
	Providers ProvidersConfig `toml:"providers"`
	Gateway   GatewayConfig   `toml:"gateway"`
	Tools     ToolsConfig     `toml:"tools"`
	Sessions  SessionsConfig  `toml:"sessions"`
	Node      NodeConfig      `toml:"node"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Memory    MemoryConfig    `toml:"memory"`
	Database  DatabaseConfig  `toml:"database"`
	Telemetry TelemetryConfig `toml:"telemetry"`

	mu sync.RWMutex
}

// GatewayConfig configures the HTTP/SSE surface (§6).
type GatewayConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	BearerToken      string `toml:"-"` // env SERIALAGENT_BEARER_TOKEN only
	AdminToken       string `toml:"-"` // env SERIALAGENT_ADMIN_TOKEN only
	MaxInboundBytes  int    `toml:"max_inbound_bytes"`  // default 256 KiB
	MaxResponseBytes int    `toml:"max_response_bytes"` // default 1 MiB; not read (node responses use protocol.SoftToolResponseBytes)
	RateLimitRPS     int    `toml:"rate_limit_rps"`
}

// SessionsConfig configures the Session Registry's lifecycle rules (§4.2).
type SessionsConfig struct {
	Storage          string            `toml:"storage"` // directory for session metadata persistence
	DMScope          string            `toml:"dm_scope"` // default "per_channel_peer"
	DailyResetHour   int               `toml:"daily_reset_hour"` // -1 = disabled
	IdleMinutes      int               `toml:"idle_minutes"`     // 0 = disabled
	DenyGroups       []string          `toml:"deny_groups"`
	ChannelOverrides map[string]string `toml:"channel_overrides"` // channel -> "allow"|"deny"
	DedupTTL         string           `toml:"dedup_ttl"`          // default "10m"
	DedupCapacity    int              `toml:"dedup_capacity"`     // default 10000
	DedupRedisURL    string           `toml:"dedup_redis_url"`    // optional; empty = in-memory LRU only
}

// ToolsConfig configures the local tool surface (§4.4).
type ToolsConfig struct {
	Exec ExecToolConfig `toml:"exec"`
	Web  WebToolConfig  `toml:"web"`
}

type ExecToolConfig struct {
	WorkingDir      string   `toml:"working_dir"`
	TimeoutSec      int      `toml:"timeout_sec"` // default 30
	Allowlist       []string `toml:"allowlist"`   // not read: the exec tool gates by deny patterns and approval only
	ApprovalRequired []string `toml:"approval_required"` // tool names requiring approval gate
}

type WebToolConfig struct {
	Enabled    bool `toml:"enabled"`
	MaxResults int  `toml:"max_results"`
	RateLimitRPS float64 `toml:"rate_limit_rps"`
}

// NodeConfig configures the Node Router WebSocket server (§4.4, §6).
type NodeConfig struct {
	SharedToken       string            `toml:"-"` // env SERIALAGENT_NODE_TOKEN only
	PerNodeTokens      map[string]string `toml:"-"` // env-loaded; not persisted in plaintext
	HandshakeTimeoutSec int              `toml:"handshake_timeout_sec"` // default 10
	HeartbeatIntervalSec int             `toml:"heartbeat_interval_sec"` // default 30
	MissedPongTolerance  int             `toml:"missed_pong_tolerance"`  // default 3
	ToolTimeoutSec       int             `toml:"tool_timeout_sec"`       // default 60
	MaxInFlightPerNode   int             `toml:"max_in_flight_per_node"` // default 16
	DrainGraceSec        int             `toml:"drain_grace_sec"`        // default 15
}

// SchedulerConfig configures the cron Scheduler (§4.6).
type SchedulerConfig struct {
	DefaultMaxCatchUp int    `toml:"default_max_catch_up"` // default 100
	MinSpacingSec     int    `toml:"min_spacing_sec"`       // not read: the scheduler re-enqueues at cron period/4 (1s floor, 30s fallback)
	BackoffBaseMs     int    `toml:"backoff_base_ms"`       // default 2000
	BackoffFactor     float64 `toml:"backoff_factor"`       // default 2.0
	BackoffMaxMs      int    `toml:"backoff_max_ms"`        // default 300000
	RunsLogPath       string `toml:"runs_log_path"`
}

// MemoryConfig configures the remote Memory Client (§4.8).
type MemoryConfig struct {
	Endpoint   string `toml:"endpoint"`
	DefaultMode string `toml:"default_mode"` // "off" | "read_only" | "read_write"
	TimeoutSec int    `toml:"timeout_sec"`   // default 5
}

// DatabaseConfig configures the durable Postgres store (§4.9).
type DatabaseConfig struct {
	PostgresDSN string `toml:"-"` // env SERIALAGENT_POSTGRES_DSN only
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled"`
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"` // not read: telemetry.Init always exports over gRPC
	Insecure    bool              `toml:"insecure"`
	ServiceName string            `toml:"service_name"`
	Headers     map[string]string `toml:"headers"`
}

// ProvidersConfig describes configured LLM providers and role routing (§4.5).
type ProvidersConfig struct {
	StartupPolicy string                   `toml:"startup_policy"` // "require_one" (default) | "best_effort"
	List          map[string]ProviderSpec  `toml:"list"`
	RoleToModel   map[string][]RoleFallback `toml:"role_to_model"` // role -> ordered fallback list
}

type ProviderSpec struct {
	Kind    string `toml:"kind"` // "anthropic" | "openai"
	APIBase string `toml:"api_base"`
	APIKey  string `toml:"-"` // env SERIALAGENT_PROVIDER_<ID>_API_KEY only
}

// RoleFallback is one entry in a role's ordered provider fallback list.
type RoleFallback struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
}

// AgentsConfig contains agent defaults and per-agent overrides (§3 Agent Config).
type AgentsConfig struct {
	Defaults AgentDefaults        `toml:"defaults"`
	List     map[string]AgentSpec `toml:"list"`
}

// AgentDefaults mirrors the spec's Agent Config record exactly.
type AgentDefaults struct {
	SystemPrompt   string            `toml:"system_prompt"`
	ToolAllowlist  []string          `toml:"tool_allowlist"`
	ToolDenylist   []string          `toml:"tool_denylist"`
	RoleToModel    map[string]string `toml:"role_to_model"` // role -> provider_id/model shorthand
	Limits         AgentLimits       `toml:"limits"`
	Compaction     CompactionConfig  `toml:"compaction"`
	MemoryMode     string            `toml:"memory_mode"` // "off" | "read_only" | "read_write"
	Workspace      string            `toml:"workspace"`
}

// AgentLimits bounds a single turn (§4.3 step 3).
type AgentLimits struct {
	MaxDepth             int `toml:"max_depth"`                // default 3
	MaxChildrenPerTurn   int `toml:"max_children_per_turn"`    // default 5
	MaxToolCallsPerTurn  int `toml:"max_tool_calls_per_turn"`  // default 25
	MaxDurationMs        int `toml:"max_duration_ms"`          // default 120000
}

// CompactionConfig configures post-turn transcript compaction (§4.3 step 5).
type CompactionConfig struct {
	Enabled        bool `toml:"enabled"`
	ThresholdTokens int `toml:"threshold_tokens"`
	KeepLastK      int  `toml:"keep_last_k"`
}

// AgentSpec is a per-agent override; zero values inherit from AgentDefaults.
type AgentSpec struct {
	SystemPrompt  string            `toml:"system_prompt"`
	ToolAllowlist []string          `toml:"tool_allowlist"`
	ToolDenylist  []string          `toml:"tool_denylist"`
	RoleToModel   map[string]string `toml:"role_to_model"`
	Limits        *AgentLimits      `toml:"limits"`
	Compaction    *CompactionConfig `toml:"compaction"`
	MemoryMode    string            `toml:"memory_mode"`
	Workspace     string            `toml:"workspace"`
	DMScope       string            `toml:"dm_scope"`
}

// Snapshot returns a deep-enough copy for safe concurrent reads; config
// reload swaps the whole *Config behind an atomic.Pointer (see Watcher),
// this lock only protects in-place field mutation performed by tests.
func (c *Config) Snapshot() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	return &cp
}

// ResolvedAgent merges an agent's override spec onto the shared defaults.
type ResolvedAgent struct {
	ID            string
	SystemPrompt  string
	ToolAllowlist []string
	ToolDenylist  []string
	RoleToModel   map[string]string
	Limits        AgentLimits
	Compaction    CompactionConfig
	MemoryMode    string
	Workspace     string
	DMScope       string
}

// ResolveAgent computes the effective config for agentID, defaults applied
// for every field the agent's AgentSpec leaves zero.
func (c *Config) ResolveAgent(agentID string) ResolvedAgent {
	d := c.Agents.Defaults
	spec, ok := c.Agents.List[agentID]

	r := ResolvedAgent{
		ID:            agentID,
		SystemPrompt:  d.SystemPrompt,
		ToolAllowlist: d.ToolAllowlist,
		ToolDenylist:  d.ToolDenylist,
		RoleToModel:   d.RoleToModel,
		Limits:        d.Limits,
		Compaction:    d.Compaction,
		MemoryMode:    d.MemoryMode,
		Workspace:     d.Workspace,
		DMScope:       c.Sessions.DMScope,
	}
	if !ok {
		return r
	}
	if spec.SystemPrompt != "" {
		r.SystemPrompt = spec.SystemPrompt
	}
	if len(spec.ToolAllowlist) > 0 {
		r.ToolAllowlist = spec.ToolAllowlist
	}
	if len(spec.ToolDenylist) > 0 {
		r.ToolDenylist = spec.ToolDenylist
	}
	if len(spec.RoleToModel) > 0 {
		r.RoleToModel = spec.RoleToModel
	}
	if spec.Limits != nil {
		r.Limits = *spec.Limits
	}
	if spec.Compaction != nil {
		r.Compaction = *spec.Compaction
	}
	if spec.MemoryMode != "" {
		r.MemoryMode = spec.MemoryMode
	}
	if spec.Workspace != "" {
		r.Workspace = spec.Workspace
	}
	if spec.DMScope != "" {
		r.DMScope = spec.DMScope
	}
	return r
}

// DedupTTLDuration parses Sessions.DedupTTL, defaulting to 10 minutes.
func (c *Config) DedupTTLDuration() time.Duration {
	if c.Sessions.DedupTTL == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.Sessions.DedupTTL)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}
