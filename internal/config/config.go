// Package config manages golispd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/golispd/internal/lisp"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete golispd configuration.
type Config struct {
	// Role is the device role: "xtr", "ms", "mr", "rtr", or "mn".
	Role string `koanf:"role"`

	// InstanceID scopes this node's EID space.
	InstanceID uint32 `koanf:"instance_id"`

	Control     ControlConfig    `koanf:"control"`
	Mgmt        MgmtConfig       `koanf:"mgmt"`
	Metrics     MetricsConfig    `koanf:"metrics"`
	Log         LogConfig        `koanf:"log"`
	Timers      TimersConfig     `koanf:"timers"`
	RLOCProbing ProbingConfig    `koanf:"rloc_probing"`
	Database    []EIDEntry       `koanf:"database"`
	MapServers  []MapServerEntry `koanf:"map_servers"`
	Resolvers   []string         `koanf:"map_resolvers"`
	ProxyETRs   []RLOCEntry      `koanf:"proxy_etrs"`
	Sites       []SiteEntry      `koanf:"sites"`
	RTRRLOCs    []string         `koanf:"rtr_rlocs"`

	// NATTraversal enables the Info-Request exchange on start (xTR/MN).
	NATTraversal bool `koanf:"nat_traversal"`
}

// ControlConfig holds the control socket configuration.
type ControlConfig struct {
	// Bind4 is the IPv4 bind address; empty disables the IPv4 socket.
	Bind4 string `koanf:"bind4"`

	// Bind6 is the IPv6 bind address; empty disables the IPv6 socket.
	Bind6 string `koanf:"bind6"`

	// Port is the control UDP port (4342 unless testing).
	Port uint16 `koanf:"port"`
}

// MgmtConfig holds the management IPC configuration.
type MgmtConfig struct {
	// Socket is the UNIX socket path for the management API.
	Socket string `koanf:"socket"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint.
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// TimersConfig holds the control state machine intervals.
type TimersConfig struct {
	// RegisterInterval is the periodic Map-Register cadence.
	RegisterInterval time.Duration `koanf:"register_interval"`

	// RegisterRetries bounds retransmissions awaiting a Map-Notify.
	RegisterRetries int `koanf:"register_retries"`

	// RetryInterval spaces register and request retransmissions.
	RetryInterval time.Duration `koanf:"retry_interval"`

	// RequestRetries bounds Map-Request retransmissions.
	RequestRetries int `koanf:"request_retries"`
}

// ProbingConfig holds the RLOC-probing parameters. A zero interval
// disables probing.
type ProbingConfig struct {
	Interval      time.Duration `koanf:"interval"`
	Retries       int           `koanf:"retries"`
	RetryInterval time.Duration `koanf:"retry_interval"`
}

// EIDEntry is one authoritative EID-prefix in the local database.
type EIDEntry struct {
	// EIDPrefix is the prefix in textual form ("10.0.0.0/24", or
	// "[iid/7]10.0.0.0/24").
	EIDPrefix string `koanf:"eid_prefix"`

	// InstanceID scopes the prefix; overridden by an [iid/N] wrapper.
	InstanceID uint32 `koanf:"instance_id"`

	// RLOCs is the locator list.
	RLOCs []RLOCEntry `koanf:"rlocs"`
}

// RLOCEntry is one locator in the configuration.
type RLOCEntry struct {
	// Iface names the owning interface (local locators).
	Iface string `koanf:"iface"`

	// Addr is the locator address.
	Addr string `koanf:"addr"`

	// Priority: lower = more preferred, 255 = never use.
	Priority int `koanf:"priority"`

	// Weight load-balances within a priority tier.
	Weight int `koanf:"weight"`
}

// MapServerEntry is one configured Map-Server.
type MapServerEntry struct {
	Addr       string `koanf:"addr"`
	KeyType    int    `koanf:"key_type"`
	Key        string `koanf:"key"`
	ProxyReply bool   `koanf:"proxy_reply"`
}

// SiteEntry is one Map-Server site prefix.
type SiteEntry struct {
	EIDPrefix           string `koanf:"eid_prefix"`
	InstanceID          uint32 `koanf:"instance_id"`
	KeyType             int    `koanf:"key_type"`
	Key                 string `koanf:"key"`
	AcceptMoreSpecifics bool   `koanf:"accept_more_specifics"`
	ProxyReply          bool   `koanf:"proxy_reply"`
	MergeRegistrations  bool   `koanf:"merge_registrations"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults:
// control plane on 4342 both families, registration per RFC 6833
// (60 s cadence), probing disabled until configured.
func DefaultConfig() *Config {
	return &Config{
		Role: "xtr",
		Control: ControlConfig{
			Bind4: "0.0.0.0",
			Bind6: "::",
			Port:  lisp.ControlPort,
		},
		Mgmt: MgmtConfig{
			Socket: "/var/run/golispd.sock",
		},
		Metrics: MetricsConfig{
			Addr: ":9200",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Timers: TimersConfig{
			RegisterInterval: 60 * time.Second,
			RegisterRetries:  3,
			RetryInterval:    3 * time.Second,
			RequestRetries:   3,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for golispd configuration.
// Variables are named GOLISPD_<section>_<key>, e.g., GOLISPD_LOG_LEVEL.
const envPrefix = "GOLISPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOLISPD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// GOLISPD_LOG_LEVEL -> log.level (strip prefix, lowercase, _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOLISPD_LOG_LEVEL -> log.level.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"role":                     defaults.Role,
		"instance_id":              defaults.InstanceID,
		"control.bind4":            defaults.Control.Bind4,
		"control.bind6":            defaults.Control.Bind6,
		"control.port":             defaults.Control.Port,
		"mgmt.socket":              defaults.Mgmt.Socket,
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"timers.register_interval": defaults.Timers.RegisterInterval.String(),
		"timers.register_retries":  defaults.Timers.RegisterRetries,
		"timers.retry_interval":    defaults.Timers.RetryInterval.String(),
		"timers.request_retries":   defaults.Timers.RequestRetries,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors. Any of these refuses daemon start.
var (
	// ErrInvalidRole indicates an unrecognized device role.
	ErrInvalidRole = errors.New("role must be xtr, ms, mr, rtr, or mn")

	// ErrInvalidEIDPrefix indicates an unparsable database or site prefix.
	ErrInvalidEIDPrefix = errors.New("eid_prefix is invalid")

	// ErrDuplicateEIDPrefix indicates two entries share an EID-prefix.
	ErrDuplicateEIDPrefix = errors.New("duplicate eid_prefix")

	// ErrInvalidRLOC indicates an unparsable locator address.
	ErrInvalidRLOC = errors.New("rloc address is invalid")

	// ErrPriorityRange indicates a priority outside 0..255.
	ErrPriorityRange = errors.New("priority must be within 0..255")

	// ErrWeightRange indicates a weight outside 0..255.
	ErrWeightRange = errors.New("weight must be within 0..255")

	// ErrMapServerKey indicates an authenticated Map-Server without a key.
	ErrMapServerKey = errors.New("map-server key must not be empty")

	// ErrInvalidMapServer indicates an unparsable Map-Server address.
	ErrInvalidMapServer = errors.New("map-server address is invalid")

	// ErrInvalidResolver indicates an unparsable Map-Resolver address.
	ErrInvalidResolver = errors.New("map-resolver address is invalid")

	// ErrSiteKey indicates a site without a registration key.
	ErrSiteKey = errors.New("site key must not be empty")

	// ErrEmptyMgmtSocket indicates the management socket path is empty.
	ErrEmptyMgmtSocket = errors.New("mgmt.socket must not be empty")
)

// validRoles lists the recognized role strings.
var validRoles = map[string]bool{
	"xtr": true, "ms": true, "mr": true, "msmr": true, "rtr": true, "mn": true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if !validRoles[cfg.Role] {
		return fmt.Errorf("role %q: %w", cfg.Role, ErrInvalidRole)
	}
	if cfg.Mgmt.Socket == "" {
		return ErrEmptyMgmtSocket
	}
	if err := validateDatabase(cfg.Database); err != nil {
		return err
	}
	if err := validateMapServers(cfg.MapServers); err != nil {
		return err
	}
	for i, mr := range cfg.Resolvers {
		if _, err := netip.ParseAddr(mr); err != nil {
			return fmt.Errorf("map_resolvers[%d] %q: %w", i, mr, ErrInvalidResolver)
		}
	}
	for i, p := range cfg.ProxyETRs {
		if err := validateRLOC(p, fmt.Sprintf("proxy_etrs[%d]", i)); err != nil {
			return err
		}
	}
	if err := validateSites(cfg.Sites); err != nil {
		return err
	}
	for i, r := range cfg.RTRRLOCs {
		if _, err := netip.ParseAddr(r); err != nil {
			return fmt.Errorf("rtr_rlocs[%d] %q: %w", i, r, ErrInvalidRLOC)
		}
	}
	return nil
}

// validateDatabase checks the local database entries.
func validateDatabase(entries []EIDEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		addr, err := lisp.ParseAddrText(e.EIDPrefix)
		if err != nil || !hasPrefixLeaf(addr) {
			return fmt.Errorf("database[%d] %q: %w", i, e.EIDPrefix, ErrInvalidEIDPrefix)
		}
		key := addr.String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("database[%d] %q: %w", i, e.EIDPrefix, ErrDuplicateEIDPrefix)
		}
		seen[key] = struct{}{}
		for j, r := range e.RLOCs {
			if err := validateRLOC(r, fmt.Sprintf("database[%d].rlocs[%d]", i, j)); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateRLOC checks one locator entry.
func validateRLOC(r RLOCEntry, where string) error {
	if _, err := lisp.ParseAddrText(r.Addr); err != nil {
		return fmt.Errorf("%s %q: %w", where, r.Addr, ErrInvalidRLOC)
	}
	if r.Priority < 0 || r.Priority > 255 {
		return fmt.Errorf("%s: priority %d: %w", where, r.Priority, ErrPriorityRange)
	}
	if r.Weight < 0 || r.Weight > 255 {
		return fmt.Errorf("%s: weight %d: %w", where, r.Weight, ErrWeightRange)
	}
	return nil
}

// validateMapServers checks the Map-Server list.
func validateMapServers(entries []MapServerEntry) error {
	for i, ms := range entries {
		if _, err := netip.ParseAddr(ms.Addr); err != nil {
			return fmt.Errorf("map_servers[%d] %q: %w", i, ms.Addr, ErrInvalidMapServer)
		}
		if lisp.KeyType(ms.KeyType) != lisp.KeyTypeNone && ms.Key == "" {
			return fmt.Errorf("map_servers[%d]: %w", i, ErrMapServerKey)
		}
	}
	return nil
}

// validateSites checks the Map-Server site list.
func validateSites(entries []SiteEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, s := range entries {
		addr, err := lisp.ParseAddrText(s.EIDPrefix)
		if err != nil || !hasPrefixLeaf(addr) {
			return fmt.Errorf("sites[%d] %q: %w", i, s.EIDPrefix, ErrInvalidEIDPrefix)
		}
		key := addr.String()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("sites[%d] %q: %w", i, s.EIDPrefix, ErrDuplicateEIDPrefix)
		}
		seen[key] = struct{}{}
		if lisp.KeyType(s.KeyType) != lisp.KeyTypeNone && s.Key == "" {
			return fmt.Errorf("sites[%d]: %w", i, ErrSiteKey)
		}
	}
	return nil
}

// hasPrefixLeaf reports whether the address carries a prefix leaf.
func hasPrefixLeaf(a lisp.Addr) bool {
	_, ok := a.LeafPrefix()
	return ok
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
