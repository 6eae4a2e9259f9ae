package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"slotgrid/pkg/model"
)

// LoadEnvFiles loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

type StoreConfig struct {
	Endpoints   []string
	Namespace   string
	DialTimeout time.Duration
	// LostAfter is how long the store connection may stay down before the
	// worker treats it as lost and destroys its sessions.
	LostAfter time.Duration
}

func NewStoreConfig() StoreConfig {
	return StoreConfig{
		Endpoints:   envList("SLOTGRID_ETCD_ENDPOINTS", []string{"localhost:2379"}),
		Namespace:   envString("SLOTGRID_ETCD_NAMESPACE", "/slotgrid"),
		DialTimeout: envDuration("SLOTGRID_ETCD_DIAL_TIMEOUT", 5*time.Second),
		LostAfter:   envDuration("SLOTGRID_STORE_LOST_AFTER", 15*time.Second),
	}
}

func (c StoreConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.New("no etcd endpoints configured")
	}
	if c.LostAfter <= 0 {
		return errors.New("store lost-after must be positive")
	}
	return nil
}

type BrokerConfig struct {
	Store StoreConfig

	HeartbeatPeriod    time.Duration
	NodeLostTimeout    time.Duration
	NodeDeadTimeout    time.Duration
	ReservationTimeout time.Duration

	ListenAddr string
	LogLevel   string
}

func NewBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		Store:              NewStoreConfig(),
		HeartbeatPeriod:    envDuration("SLOTGRID_HEARTBEAT_PERIOD", 2*time.Second),
		NodeLostTimeout:    envDuration("SLOTGRID_NODE_LOST_TIMEOUT", 10*time.Second),
		NodeDeadTimeout:    envDuration("SLOTGRID_NODE_DEAD_TIMEOUT", 20*time.Second),
		ReservationTimeout: envDuration("SLOTGRID_RESERVATION_TIMEOUT", 30*time.Second),
		ListenAddr:         envString("SLOTGRID_BROKER_LISTEN", ":4444"),
		LogLevel:           envString("SLOTGRID_LOG_LEVEL", "info"),
	}
}

func (c *BrokerConfig) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	switch {
	case c.HeartbeatPeriod <= 0:
		return errors.New("heartbeat period must be positive")
	case c.NodeLostTimeout <= c.HeartbeatPeriod:
		return fmt.Errorf("node lost timeout %s must exceed heartbeat period %s", c.NodeLostTimeout, c.HeartbeatPeriod)
	case c.NodeDeadTimeout <= c.NodeLostTimeout:
		return fmt.Errorf("node dead timeout %s must exceed lost timeout %s", c.NodeDeadTimeout, c.NodeLostTimeout)
	case c.ReservationTimeout <= 0:
		return errors.New("reservation timeout must be positive")
	}
	return nil
}

// HubConfig is the part of the broker configuration published to workers.
func (c *BrokerConfig) HubConfig() model.HubConfig {
	return model.HubConfig{
		HeartBeatPeriod: c.HeartbeatPeriod.Milliseconds(),
		NodeLostTimeout: c.NodeLostTimeout.Milliseconds(),
		NodeDeadTimeout: c.NodeDeadTimeout.Milliseconds(),
	}
}

type NodeConfig struct {
	Store StoreConfig

	ClientInactivityTimeout time.Duration
	CommandExecutionTimeout time.Duration
	FreeStateDelay          time.Duration
	RegistrationTimeout     time.Duration
	// ReregisterInterval is the minimum gap between re-registrations after
	// reconnects.
	ReregisterInterval time.Duration

	ProfilesFile string
	Profiles     []SlotProfile

	DriverShim []string

	ListenAddr string
	LogLevel   string
}

func NewNodeConfig() *NodeConfig {
	return &NodeConfig{
		Store:                   NewStoreConfig(),
		ClientInactivityTimeout: envDuration("SLOTGRID_CLIENT_INACTIVITY_TIMEOUT", 120*time.Second),
		CommandExecutionTimeout: envDuration("SLOTGRID_COMMAND_EXECUTION_TIMEOUT", 60*time.Second),
		FreeStateDelay:          envDuration("SLOTGRID_FREE_STATE_DELAY", 5*time.Second),
		RegistrationTimeout:     envDuration("SLOTGRID_REGISTRATION_TIMEOUT", 10*time.Second),
		ReregisterInterval:      envDuration("SLOTGRID_REREGISTER_INTERVAL", 5*time.Second),
		ProfilesFile:            envString("SLOTGRID_NODE_CONFIG", ""),
		DriverShim:              envList("SLOTGRID_DRIVER_SHIM", []string{"/opt/slotgrid/driver-shim"}),
		ListenAddr:              envString("SLOTGRID_NODE_LISTEN", ":5555"),
		LogLevel:                envString("SLOTGRID_LOG_LEVEL", "info"),
	}
}

func (c *NodeConfig) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	switch {
	case c.ClientInactivityTimeout <= 0:
		return errors.New("client inactivity timeout must be positive")
	case c.CommandExecutionTimeout <= 0:
		return errors.New("command execution timeout must be positive")
	case c.FreeStateDelay < 0:
		return errors.New("free state delay must not be negative")
	case c.RegistrationTimeout <= 0:
		return errors.New("registration timeout must be positive")
	case len(c.Profiles) == 0:
		return errors.New("no slot profiles configured")
	}
	seen := make(map[string]bool)
	for _, p := range c.Profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate slot profile %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

type ClientConfig struct {
	Store StoreConfig

	AllocationTimeout time.Duration
	CommandTimeout    time.Duration
}

func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		Store:             NewStoreConfig(),
		AllocationTimeout: envDuration("SLOTGRID_ALLOCATION_TIMEOUT", 10*time.Second),
		CommandTimeout:    envDuration("SLOTGRID_COMMAND_TIMEOUT", 120*time.Second),
	}
}

func (c *ClientConfig) Validate() error {
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if c.AllocationTimeout <= 0 || c.CommandTimeout <= 0 {
		return errors.New("client timeouts must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envDuration accepts Go durations ("2s", "1m30s") or plain milliseconds.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
