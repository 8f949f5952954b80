// Package config loads the JSON file shared by the controller and its
// workers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const DefaultPath = "~/.mead/config.json"

type Config struct {
	ServerIP string `mapstructure:"server_ip"`
	Port     int    `mapstructure:"port"`
	// Hostnames are the worker hosts. Empty means every concrete host in
	// ~/.ssh/config.
	Hostnames []string `mapstructure:"hostnames"`

	Codec       string   `mapstructure:"codec"`
	STUNServers []string `mapstructure:"stun_servers"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	KeepAlive        time.Duration `mapstructure:"keepalive"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	Reliable         bool          `mapstructure:"reliable"`
	MaxPending       int           `mapstructure:"max_pending"`

	SSH SSHConfig `mapstructure:"ssh"`

	// Path is the file the config was read from, if any.
	Path string `mapstructure:"-"`
}

type SSHConfig struct {
	User       string `mapstructure:"user"`
	KeyFile    string `mapstructure:"key_file"`
	KnownHosts string `mapstructure:"known_hosts"`
	Port       int    `mapstructure:"port"`
	// Binary is the mead executable on the worker hosts.
	Binary string `mapstructure:"binary"`
}

func Default() *Config {
	return &Config{
		ServerIP:         "127.0.0.1",
		Port:             8000,
		Codec:            "gob",
		STUNServers:      []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"},
		LogLevel:         "info",
		HandshakeTimeout: 30 * time.Second,
		KeepAlive:        5 * time.Second,
		GracePeriod:      5 * time.Second,
		Reliable:         true,
		MaxPending:       4096,
		SSH: SSHConfig{
			KeyFile:    "~/.ssh/id_ed25519",
			KnownHosts: "~/.ssh/known_hosts",
			Port:       22,
			Binary:     "mead",
		},
	}
}

// Load reads path, falling back to defaults for missing keys. Environment
// variables with the MEAD_ prefix override the file, e.g. MEAD_SERVER_IP or
// MEAD_SSH_USER. A missing file is only an error when path was given
// explicitly.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("MEAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_ip", cfg.ServerIP)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("hostnames", cfg.Hostnames)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("stun_servers", cfg.STUNServers)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("handshake_timeout", cfg.HandshakeTimeout)
	v.SetDefault("keepalive", cfg.KeepAlive)
	v.SetDefault("grace_period", cfg.GracePeriod)
	v.SetDefault("reliable", cfg.Reliable)
	v.SetDefault("max_pending", cfg.MaxPending)
	v.SetDefault("ssh.user", cfg.SSH.User)
	v.SetDefault("ssh.key_file", cfg.SSH.KeyFile)
	v.SetDefault("ssh.known_hosts", cfg.SSH.KnownHosts)
	v.SetDefault("ssh.port", cfg.SSH.Port)
	v.SetDefault("ssh.binary", cfg.SSH.Binary)

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}
	v.SetConfigFile(expanded)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		cfg.Path = expanded
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.ServerIP) == "" {
		return errors.New("server_ip is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch c.Codec {
	case "gob", "cbor", "protobuf":
	default:
		return fmt.Errorf("invalid codec: %q", c.Codec)
	}

	var err error
	if c.SSH.KeyFile, err = homedir.Expand(c.SSH.KeyFile); err != nil {
		return err
	}
	if c.SSH.KnownHosts, err = homedir.Expand(c.SSH.KnownHosts); err != nil {
		return err
	}
	if c.LogFile, err = homedir.Expand(c.LogFile); err != nil {
		return err
	}
	return nil
}

// ServerAddr is the rendezvous server's host:port.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.ServerIP, c.Port)
}

// Hosts returns the configured hostnames, or the hosts found in the user's
// ssh config when none are configured.
func (c *Config) Hosts() ([]string, error) {
	if len(c.Hostnames) > 0 {
		return append([]string(nil), c.Hostnames...), nil
	}
	path, err := homedir.Expand("~/.ssh/config")
	if err != nil {
		return nil, err
	}
	local, err := os.Hostname()
	if err != nil {
		return nil, err
	}
	return SSHConfigHosts(path, local)
}

// maxIncludeDepth matches OpenSSH's nesting limit for Include.
const maxIncludeDepth = 16

// SSHConfigHosts lists the Host patterns in an OpenSSH config file and the
// files it includes, minus wildcards, negations and local, sorted. A missing
// file yields no hosts. Match blocks are not supported.
func SSHConfigHosts(path, local string) ([]string, error) {
	seen := make(map[string]bool)
	if err := collectSSHHosts(path, local, seen, 0); err != nil {
		return nil, err
	}
	hosts := make([]string, 0, len(seen))
	for name := range seen {
		hosts = append(hosts, name)
	}
	sort.Strings(hosts)
	return hosts, nil
}

func collectSSHHosts(path, local string, seen map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("ssh config %s: includes nested too deeply", path)
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return fmt.Errorf("%w (set hostnames in the config instead)", err)
	}

	for _, host := range cfg.Hosts {
		for _, pattern := range host.Patterns {
			name := pattern.String()
			if strings.ContainsAny(name, "*?!") || name == local {
				continue
			}
			seen[name] = true
		}
		for _, node := range host.Nodes {
			inc, ok := node.(*ssh_config.Include)
			if !ok {
				continue
			}
			for _, file := range includedFiles(inc, filepath.Dir(path)) {
				if err := collectSSHHosts(file, local, seen, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// includedFiles expands an Include line. Relative paths resolve against
// the directory of the including file.
func includedFiles(inc *ssh_config.Include, dir string) []string {
	line := strings.TrimSpace(inc.String())
	if i := strings.Index(line, " #"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line[len("Include"):])
	line = strings.TrimSpace(strings.TrimPrefix(line, "="))

	var files []string
	for _, pattern := range strings.Fields(line) {
		if expanded, err := homedir.Expand(pattern); err == nil {
			pattern = expanded
		}
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(dir, pattern)
		}
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		files = append(files, matches...)
	}
	return files
}
