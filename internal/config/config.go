// Package config parses server configuration from flags and PORTGATE_*
// environment variables. Configuration is read once at startup.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig holds the full broker configuration.
type ServerConfig struct {
	ListenAddr   string // control-plane HTTP(S) listen address
	TLSDomain    string // when set, serve the control plane over ACME TLS
	ListenHTTP   string // ACME HTTP-01 challenge listen address
	CertCacheDir string
	DBPath       string
	PublicHost   string // host advertised in publicAddress
	Region       string
	BasePort     int    // first public port handed out
	MaxPort      int    // last public port in the range, inclusive
	TargetHost   string // host dialed for tunnels' local ports
	DialTimeout  time.Duration
	APIKeyPepper string
	LogLevel     string
	PprofAddr    string
}

const (
	defaultListenAddr   = ":8080"
	defaultListenHTTP   = ":10080"
	defaultDBPath       = "./portgate.db"
	defaultCertCacheDir = "./cert"
	defaultRegion       = "default"
	defaultBasePort     = 9000
	defaultMaxPort      = 9999
	defaultTargetHost   = "127.0.0.1"
	defaultDialTimeout  = 10 * time.Second
)

// ParseServerFlags builds a [ServerConfig] from args with environment
// fallbacks and validates it.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		ListenAddr:   envOrDefault("PORTGATE_LISTEN", defaultListenAddr),
		TLSDomain:    envOrDefault("PORTGATE_TLS_DOMAIN", ""),
		ListenHTTP:   envOrDefault("PORTGATE_LISTEN_HTTP_CHALLENGE", defaultListenHTTP),
		CertCacheDir: envOrDefault("PORTGATE_CERT_CACHE_DIR", defaultCertCacheDir),
		DBPath:       envOrDefault("PORTGATE_DB_PATH", defaultDBPath),
		PublicHost:   envOrDefault("PORTGATE_PUBLIC_HOST", ""),
		Region:       envOrDefault("PORTGATE_REGION", defaultRegion),
		BasePort:     envIntOrDefault("PORTGATE_BASE_PORT", defaultBasePort),
		MaxPort:      envIntOrDefault("PORTGATE_MAX_PORT", defaultMaxPort),
		TargetHost:   envOrDefault("PORTGATE_TARGET_HOST", defaultTargetHost),
		DialTimeout:  defaultDialTimeout,
		APIKeyPepper: envOrDefault("PORTGATE_API_KEY_PEPPER", ""),
		LogLevel:     envOrDefault("PORTGATE_LOG_LEVEL", "info"),
		PprofAddr:    envOrDefault("PORTGATE_PPROF_ADDR", ""),
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Control-plane listen address")
	fs.StringVar(&cfg.TLSDomain, "tls-domain", cfg.TLSDomain, "Serve control plane over ACME TLS for this domain (empty = plain HTTP)")
	fs.StringVar(&cfg.ListenHTTP, "http-challenge-listen", cfg.ListenHTTP, "HTTP-01 challenge listen address")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.PublicHost, "public-host", cfg.PublicHost, "Public host advertised to clients, e.g. tunnel.example.com")
	fs.StringVar(&cfg.Region, "region", cfg.Region, "Region label returned to clients")
	fs.IntVar(&cfg.BasePort, "base-port", cfg.BasePort, "First public port handed to tunnels")
	fs.IntVar(&cfg.MaxPort, "max-port", cfg.MaxPort, "Last public port in the range (inclusive)")
	fs.StringVar(&cfg.TargetHost, "target-host", cfg.TargetHost, "Host dialed for tunnels' local ports")
	fs.StringVar(&cfg.APIKeyPepper, "api-key-pepper", cfg.APIKeyPepper, "API key hash pepper override")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.PprofAddr, "pprof", cfg.PprofAddr, "pprof listen address (empty = disabled)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.PublicHost = normalizeHost(cfg.PublicHost)
	if cfg.PublicHost == "" {
		return cfg, errors.New("missing --public-host or PORTGATE_PUBLIC_HOST")
	}
	cfg.TLSDomain = normalizeHost(cfg.TLSDomain)
	if cfg.BasePort <= 0 || cfg.BasePort > 65535 {
		return cfg, fmt.Errorf("base port %d out of range 1..65535", cfg.BasePort)
	}
	if cfg.MaxPort < cfg.BasePort || cfg.MaxPort > 65535 {
		return cfg, fmt.Errorf("max port %d must be within %d..65535", cfg.MaxPort, cfg.BasePort)
	}
	if strings.TrimSpace(cfg.TargetHost) == "" {
		return cfg, errors.New("target host must not be empty")
	}
	if cfg.DialTimeout <= 0 {
		return cfg, errors.New("dial timeout must be > 0")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func normalizeHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
