package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	envRedisTLSCA         = "FLOWLOG_REDIS_TLS_CA"
	envRedisTLSCert       = "FLOWLOG_REDIS_TLS_CERT"
	envRedisTLSKey        = "FLOWLOG_REDIS_TLS_KEY"
	envRedisTLSInsecure   = "FLOWLOG_REDIS_TLS_INSECURE"
	envRedisTLSServerName = "FLOWLOG_REDIS_TLS_SERVER_NAME"
	envRedisClusterAddrs  = "FLOWLOG_REDIS_CLUSTER_ADDRESSES"

	// DefaultURL is used when no Redis URL is configured.
	DefaultURL  = "redis://localhost:6379"
	pingTimeout = 2 * time.Second
)

// Connect builds a client for url and verifies it answers PING.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	if strings.TrimSpace(url) == "" {
		url = DefaultURL
	}
	client, err := NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

// NewClient creates a Redis universal client with optional TLS and clustering
// support. Keys that must share a slot carry a {hash tag}.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := splitAddrs(os.Getenv(envRedisClusterAddrs))
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// ParseOptions parses a Redis URL and applies TLS settings from the environment.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	cfg, err := tlsSettingsFromEnv().apply(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = cfg
	return opts, nil
}

type tlsSettings struct {
	caPath     string
	certPath   string
	keyPath    string
	serverName string
	insecure   bool
}

func tlsSettingsFromEnv() tlsSettings {
	return tlsSettings{
		caPath:     strings.TrimSpace(os.Getenv(envRedisTLSCA)),
		certPath:   strings.TrimSpace(os.Getenv(envRedisTLSCert)),
		keyPath:    strings.TrimSpace(os.Getenv(envRedisTLSKey)),
		serverName: strings.TrimSpace(os.Getenv(envRedisTLSServerName)),
		insecure:   parseBool(os.Getenv(envRedisTLSInsecure)),
	}
}

func (s tlsSettings) empty() bool {
	return s.caPath == "" && s.certPath == "" && s.keyPath == "" && s.serverName == "" && !s.insecure
}

func (s tlsSettings) apply(existing *tls.Config) (*tls.Config, error) {
	if s.empty() {
		return existing, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if existing != nil {
		cfg = existing.Clone()
	}
	if s.serverName != "" {
		cfg.ServerName = s.serverName
	}
	if s.insecure {
		// #nosec G402 -- operator opt-in for self-signed development setups.
		cfg.InsecureSkipVerify = true
	}
	if s.caPath != "" {
		pem, err := os.ReadFile(s.caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca parse: %s", s.caPath)
		}
		cfg.RootCAs = pool
	}
	if s.certPath != "" || s.keyPath != "" {
		if s.certPath == "" || s.keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

func splitAddrs(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	if len(parts) == 0 {
		return nil
	}
	return parts
}
