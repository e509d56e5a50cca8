package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/matst80/connexions/internal/obs"
)

// Config holds all runtime configuration derived from flags and an optional
// YAML file. Flags given on the command line win over the file.
type Config struct {
	UnixSocket      string        `yaml:"unix"`
	UnixMode        string        `yaml:"unix_mode"`
	TCPAddr         string        `yaml:"tcp"`
	WSAddr          string        `yaml:"ws"`
	MetricsAddr     string        `yaml:"metrics"`
	Debug           bool          `yaml:"debug"`
	MaxBuffer       int64         `yaml:"max_buffer"`
	QueueDepth      int           `yaml:"queue_depth"`
	ConnectRate     int           `yaml:"connect_rate"`
	ConnectBurst    int           `yaml:"connect_burst"`
	ChannelRate     int           `yaml:"channel_rate"`
	RedisAddr       string        `yaml:"redis_addr"`
	RedisPassword   string        `yaml:"redis_password"`
	RedisDB         int           `yaml:"redis_db"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	ConfigFile      string        `yaml:"-"`
}

var (
	cfg   Config
	flags = newFlagSet(&cfg)
)

func newFlagSet(c *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("connexions-server", pflag.ContinueOnError)
	fs.StringVar(&c.ConfigFile, "config", "", "YAML config file; watched for rate limit and debug changes")
	fs.StringVar(&c.UnixSocket, "unix", "/run/connexions.sock", "unix socket path for control channels (empty disables)")
	fs.StringVar(&c.UnixMode, "unix-mode", "0660", "permission bits of the unix socket")
	fs.StringVar(&c.TCPAddr, "tcp", "", "TCP address for control channels (empty disables)")
	fs.StringVar(&c.WSAddr, "ws", "", "websocket address for control channels (empty disables)")
	fs.StringVar(&c.MetricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address")
	fs.BoolVar(&c.Debug, "debug", false, "enable debug logs")
	fs.Int64Var(&c.MaxBuffer, "max-buffer", 256<<20, "byte budget for all buffered data (0 = unlimited)")
	fs.IntVar(&c.QueueDepth, "queue-depth", 256, "packets queued per channel before notifications are dropped")
	fs.IntVar(&c.ConnectRate, "connect-rate", 10, "CONNECT requests per second per unit (0 = unlimited)")
	fs.IntVar(&c.ConnectBurst, "connect-burst", 20, "burst size for connect and channel limits")
	fs.IntVar(&c.ChannelRate, "channel-rate", 0, "channel opens per second per peer (0 = unlimited)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the shared unit directory (empty = in-memory)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.DurationVar(&c.CleanupInterval, "cleanup-interval", 30*time.Second, "interval for pruning stale unit records and limiter state")
	return fs
}

// loadConfig parses args into the config bound to fs, overlays the config
// file if one is named, then parses args again so explicit flags win.
func loadConfig(fs *pflag.FlagSet, c *Config, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.ConfigFile == "" {
		return c.validate()
	}
	if err := readConfigFile(c.ConfigFile, c); err != nil {
		return err
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.validate()
}

func readConfigFile(path string, c *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.UnixSocket == "" && c.TCPAddr == "" && c.WSAddr == "" {
		return fmt.Errorf("no control listener configured (--unix, --tcp or --ws)")
	}
	if _, err := c.socketMode(); err != nil {
		return err
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive")
	}
	return nil
}

func (c *Config) socketMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(c.UnixMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid unix mode %q: %w", c.UnixMode, err)
	}
	return os.FileMode(m), nil
}

// reloadable returns the hot-reloadable settings from the file at path,
// keeping values for flags that were set explicitly.
func reloadable(fs *pflag.FlagSet, current Config, path string) (Config, error) {
	next := current
	if err := readConfigFile(path, &next); err != nil {
		return current, err
	}
	out := current
	if !fs.Changed("debug") {
		out.Debug = next.Debug
	}
	if !fs.Changed("connect-rate") {
		out.ConnectRate = next.ConnectRate
	}
	if !fs.Changed("connect-burst") {
		out.ConnectBurst = next.ConnectBurst
	}
	if !fs.Changed("channel-rate") {
		out.ChannelRate = next.ChannelRate
	}
	return out, nil
}

// watchConfig calls apply with the reloaded settings whenever the config
// file is written or replaced.
func watchConfig(ctx context.Context, fs *pflag.FlagSet, current Config, apply func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	// Watch the directory so editors that replace the file are seen.
	if err := w.Add(filepath.Dir(current.ConfigFile)); err != nil {
		return err
	}
	target := filepath.Clean(current.ConfigFile)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			next, err := reloadable(fs, current, current.ConfigFile)
			if err != nil {
				obs.Error("config.reload", obs.Fields{"err": err.Error(), "file": current.ConfigFile})
				continue
			}
			current = next
			obs.Info("config.reloaded", obs.Fields{"debug": next.Debug, "connect_rate": next.ConnectRate, "channel_rate": next.ChannelRate, "burst": next.ConnectBurst})
			apply(next)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			obs.Error("config.watch", obs.Fields{"err": err.Error()})
		}
	}
}
