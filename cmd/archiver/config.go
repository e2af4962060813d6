package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"Archiver/internal/nodelist"
	"Archiver/internal/protocol"
	"Archiver/internal/storage"
)

// Config holds the archiver configuration.
type Config struct {
	// DataPath is the directory for persistent storage and the config file.
	DataPath string `mapstructure:"data"`

	// Storage selects the key-value backend.
	Storage string `mapstructure:"storage"`

	// IP and Port are announced to the network and served over HTTP.
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string `mapstructure:"key"`

	LogLevel string `mapstructure:"log"`

	// Archivers are existing archivers as publicKey@ip:port.
	Archivers []string `mapstructure:"archivers"`

	// Seeds are validators as publicKey@ip:port, used when no archiver exists yet.
	Seeds []string `mapstructure:"seeds"`

	DiscoveryRetries int           `mapstructure:"discovery-retries"`
	DiscoveryWait    time.Duration `mapstructure:"discovery-wait"`
	SyncRetries      int           `mapstructure:"sync-retries"`
	SyncWait         time.Duration `mapstructure:"sync-wait"`

	// TimeoutPadding is added to every data sender contact timeout.
	TimeoutPadding time.Duration `mapstructure:"timeout-padding"`

	// Redundancy is the number of matching answers that settles a query.
	Redundancy int `mapstructure:"redundancy"`

	HTTPTimeout time.Duration `mapstructure:"http-timeout"`

	// SyncArchive downloads state metadata from another archiver after the chain sync.
	SyncArchive bool `mapstructure:"sync-archive"`

	// PrivateKey is the archiver's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey `mapstructure:"-"`
}

// bindFlags declares the command line flags. Every flag can also be set in
// the config file or through an ARCHIVER_ environment variable.
func bindFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.String("data", "./data", "Data directory path")
	f.String("storage", storage.BackendPebble, "Storage backend (pebble, leveldb)")
	f.String("ip", "127.0.0.1", "IP announced to the network")
	f.Int("port", 4000, "HTTP port")
	f.String("key", "", "Ed25519 private key path (defaults to <data>/archiver.key)")
	f.String("log", "info", "Log level (debug, info, warn, error)")
	f.StringSlice("archivers", nil, "Existing archivers as publicKey@ip:port")
	f.StringSlice("seeds", nil, "Validators as publicKey@ip:port for the first archiver")
	f.Int("discovery-retries", 5, "Archiver discovery rounds")
	f.Duration("discovery-wait", 30*time.Second, "Wait between discovery rounds")
	f.Int("sync-retries", 5, "Cycle chain sync attempts")
	f.Duration("sync-wait", 10*time.Second, "Wait between sync attempts")
	f.Duration("timeout-padding", time.Second, "Padding added to data sender timeouts")
	f.Int("redundancy", 3, "Matching answers needed to settle a query")
	f.Duration("http-timeout", 10*time.Second, "Timeout of outgoing HTTP requests")
	f.Bool("sync-archive", true, "Download state metadata from another archiver after syncing")
}

// loadConfig merges flags, environment and the optional config file.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags:\n%w", err)
	}

	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("archiver")
	v.AddConfigPath(v.GetString("data"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config:\n%w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config:\n%w", err)
	}

	if cfg.KeyPath == "" {
		cfg.KeyPath = filepath.Join(cfg.DataPath, "archiver.key")
	}

	return cfg, nil
}

// parseEndpoint splits publicKey@ip:port.
func parseEndpoint(s string) (publicKey, ip string, port int, err error) {
	publicKey, addr, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok || publicKey == "" {
		return "", "", 0, fmt.Errorf("endpoint %q: want publicKey@ip:port", s)
	}

	host, p, ok := strings.Cut(addr, ":")
	if !ok || host == "" {
		return "", "", 0, fmt.Errorf("endpoint %q: missing port", s)
	}

	port, err = strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return "", "", 0, fmt.Errorf("endpoint %q: bad port %q", s, p)
	}

	return publicKey, host, port, nil
}

// archivers parses the configured archivers.
func (c *Config) archivers() ([]protocol.ArchiverInfo, error) {
	out := make([]protocol.ArchiverInfo, 0, len(c.Archivers))
	for _, s := range c.Archivers {
		pk, ip, port, err := parseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.ArchiverInfo{PublicKey: pk, IP: ip, Port: port})
	}

	return out, nil
}

// seeds parses the configured validators. The public key doubles as id
// until the chain names them.
func (c *Config) seeds() ([]nodelist.NodeInfo, error) {
	out := make([]nodelist.NodeInfo, 0, len(c.Seeds))
	for _, s := range c.Seeds {
		pk, ip, port, err := parseEndpoint(s)
		if err != nil {
			return nil, err
		}
		out = append(out, nodelist.NodeInfo{ID: pk, IP: ip, Port: port, PublicKey: pk})
	}

	return out, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create key directory:\n%w", err)
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
