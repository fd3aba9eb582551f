package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Default returns a Config with sensible defaults, matching the teacher's
// Default() shape (defaults first, file overlays, env overrides last).
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace: "~/.serialagent/workspace",
				Limits: AgentLimits{
					MaxDepth:            3,
					MaxChildrenPerTurn:  5,
					MaxToolCallsPerTurn: 25,
					MaxDurationMs:       120000,
				},
				Compaction: CompactionConfig{
					Enabled:         true,
					ThresholdTokens: 150000,
					KeepLastK:       8,
				},
				MemoryMode: "read_only",
			},
		},
		Providers: ProvidersConfig{
			StartupPolicy: "require_one",
		},
		Gateway: GatewayConfig{
			Host:             "0.0.0.0",
			Port:             8790,
			MaxInboundBytes:  256 * 1024,
			MaxResponseBytes: 1 * 1024 * 1024,
			RateLimitRPS:     20,
		},
		Tools: ToolsConfig{
			Exec: ExecToolConfig{
				WorkingDir: "~/.serialagent/workspace",
				TimeoutSec: 30,
			},
			Web: WebToolConfig{
				Enabled:      true,
				MaxResults:   5,
				RateLimitRPS: 1,
			},
		},
		Sessions: SessionsConfig{
			Storage:        "~/.serialagent/sessions",
			DMScope:        "per_channel_peer",
			DailyResetHour: -1,
			DedupTTL:       "10m",
			DedupCapacity:  10000,
		},
		Node: NodeConfig{
			HandshakeTimeoutSec:  10,
			HeartbeatIntervalSec: 30,
			MissedPongTolerance:  3,
			ToolTimeoutSec:       60,
			MaxInFlightPerNode:   16,
			DrainGraceSec:        15,
		},
		Scheduler: SchedulerConfig{
			DefaultMaxCatchUp: 100,
			MinSpacingSec:     5,
			BackoffBaseMs:     2000,
			BackoffFactor:     2.0,
			BackoffMaxMs:      300000,
			RunsLogPath:       "~/.serialagent/runs.log",
		},
		Memory: MemoryConfig{
			DefaultMode: "read_only",
			TimeoutSec:  5,
		},
	}
}

// Load reads config from a TOML file, then overlays environment variables.
// A missing file is not an error: defaults plus env overrides are used,
// matching the teacher's graceful-degrade-to-defaults behavior.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Gateway.BearerToken = os.Getenv("SERIALAGENT_BEARER_TOKEN")
	c.Gateway.AdminToken = os.Getenv("SERIALAGENT_ADMIN_TOKEN")
	c.Node.SharedToken = os.Getenv("SERIALAGENT_NODE_TOKEN")
	c.Database.PostgresDSN = os.Getenv("SERIALAGENT_POSTGRES_DSN")

	if v := os.Getenv("SERIALAGENT_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}

	c.Node.PerNodeTokens = make(map[string]string)
	const prefix = "SERIALAGENT_NODE_TOKEN_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		nodeID := strings.ToLower(strings.TrimPrefix(parts[0], prefix))
		c.Node.PerNodeTokens[nodeID] = parts[1]
	}

	for id, spec := range c.Providers.List {
		key := "SERIALAGENT_PROVIDER_" + strings.ToUpper(id) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			spec.APIKey = v
			c.Providers.List[id] = spec
		}
	}
}

// Watcher hot-reloads the config file and swaps an atomic snapshot, per
// Design Note "Global state ... hot-reloadable by swapping the snapshot
// atomically." Grounded on the teacher's fsnotify-based config watcher.
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	watcher  *fsnotify.Watcher
	onChange func(*Config)
}

// NewWatcher loads path once and begins watching it for changes.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, onChange: onChange}
	w.current.Store(cfg)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		// A config file created after startup is not fatal; the watch
		// is best-effort and the in-memory defaults remain active.
		slog.Warn("config watch unavailable", "path", path, "err", err)
	}
	w.watcher = fw

	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("config reload failed, keeping previous snapshot", "err", err)
				continue
			}
			w.current.Store(cfg)
			slog.Info("config reloaded", "path", w.path)
			if w.onChange != nil {
				w.onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "err", err)
		}
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Current returns the most recently loaded config snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Close stops the underlying filesystem watch.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
