// Package config loads Nydus's YAML configuration file (A1): server
// bind address and TLS material, the MSAL client id, pool/accounts
// file paths, and maintenance tunables, plus a filesystem watcher for
// hot reload.
package config

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/crutech/nydus/internal/validate"
)

// Config is the top-level Nydus configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	MSAL        MSALConfig        `yaml:"msal"`
	Files       FilesConfig       `yaml:"files"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

// ServerConfig holds the listener's bind address, port, and TLS
// material, plus the advertised server address/protocol version
// relayed to clients (spec.md §6 configuration keys).
type ServerConfig struct {
	IpAddr       string `yaml:"ip_addr"`
	Port         int    `yaml:"port"`
	CertFile     string `yaml:"cert_file"`
	CertPrivKey  string `yaml:"cert_priv_key"`
	CaChainFile  string `yaml:"ca_chain_file"`
	ServerIpAddr string `yaml:"server_ip_addr"`
	McVersion    string `yaml:"mc_version"`
}

// MSALConfig holds the Azure AD application registration used for S1.
type MSALConfig struct {
	ClientID string `yaml:"client_id"`
}

// FilesConfig holds the paths to the allocation pool file and the
// newline-delimited upstream account usernames file.
type FilesConfig struct {
	AllocFile    string `yaml:"alloc_file"`
	AccountsFile string `yaml:"accounts_file"`
}

// MaintenanceConfig holds the tunables for the periodic maintenance
// pass: how often it runs, how long after allocation a tenancy is
// released, and the renewal look-ahead factor (spec.md §4.1 k).
type MaintenanceConfig struct {
	Period            time.Duration `yaml:"period"`
	AllocationTimeout time.Duration `yaml:"allocation_timeout"`
	RenewalK          int           `yaml:"renewal_k"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unset references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
// Unknown top-level keys are rejected rather than silently ignored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.IpAddr == "" {
		cfg.Server.IpAddr = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 25566
	}
	if cfg.Server.ServerIpAddr == "" {
		cfg.Server.ServerIpAddr = cfg.Server.IpAddr
	}
	if cfg.Maintenance.Period == 0 {
		cfg.Maintenance.Period = 30 * time.Minute
	}
	if cfg.Maintenance.AllocationTimeout == 0 {
		cfg.Maintenance.AllocationTimeout = 2 * time.Hour
	}
	if cfg.Maintenance.RenewalK == 0 {
		cfg.Maintenance.RenewalK = 2
	}
}

func validateConfig(cfg *Config) error {
	if !validate.IPv4(cfg.Server.IpAddr) {
		return fmt.Errorf("server.ip_addr: not a valid IPv4 address: %q", cfg.Server.IpAddr)
	}
	if !validate.Port(cfg.Server.Port) {
		return fmt.Errorf("server.port: out of range: %d", cfg.Server.Port)
	}
	if cfg.Server.ServerIpAddr != "" && !validate.IPv4(cfg.Server.ServerIpAddr) {
		return fmt.Errorf("server.server_ip_addr: not a valid IPv4 address: %q", cfg.Server.ServerIpAddr)
	}
	if cfg.Server.McVersion == "" {
		return fmt.Errorf("server.mc_version is required")
	}
	if !validate.MinecraftVersion(cfg.Server.McVersion) {
		return fmt.Errorf("server.mc_version: malformed version: %q", cfg.Server.McVersion)
	}
	if cfg.Server.CertFile == "" {
		return fmt.Errorf("server.cert_file is required")
	}
	if cfg.Server.CertPrivKey == "" {
		return fmt.Errorf("server.cert_priv_key is required")
	}
	if cfg.MSAL.ClientID == "" {
		return fmt.Errorf("msal.client_id is required")
	}
	if !validate.NonEmptyNoCommaNoWhitespace(cfg.MSAL.ClientID) {
		return fmt.Errorf("msal.client_id: contains whitespace or comma")
	}
	if cfg.Files.AllocFile == "" {
		return fmt.Errorf("files.alloc_file is required")
	}
	if cfg.Files.AccountsFile == "" {
		return fmt.Errorf("files.accounts_file is required")
	}
	if cfg.Maintenance.Period <= 0 {
		return fmt.Errorf("maintenance.period must be positive")
	}
	if cfg.Maintenance.AllocationTimeout <= 0 {
		return fmt.Errorf("maintenance.allocation_timeout must be positive")
	}
	if cfg.Maintenance.RenewalK <= 0 {
		return fmt.Errorf("maintenance.renewal_k must be positive")
	}
	return nil
}

// Watcher watches the config file for changes and calls back with the
// freshly reloaded configuration, debouncing rapid writes.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
