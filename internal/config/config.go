package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DepotEveryDelivery = "every_delivery"
	DepotWhenEmpty     = "when_empty"
)

const envPrefix = "PARCELNET_"

// ReservedAgentIDs are the bus ids of the fixed agents. A courier may not
// take one, since registering an id twice shares its inbox.
var ReservedAgentIDs = []string{"warehouse", "supervisor", "recordstore", "routing", "customer"}

type Config struct {
	Simulation SimulationConfig `toml:"simulation" yaml:"simulation"`
	Store      StoreConfig      `toml:"store" yaml:"store"`
	HTTP       HTTPConfig       `toml:"http" yaml:"http"`
	Couriers   []CourierSpec    `toml:"couriers" yaml:"couriers"`
	Courier    CourierConfig    `toml:"courier" yaml:"courier"`
	Warehouse  WarehouseConfig  `toml:"warehouse" yaml:"warehouse"`
	Supervisor SupervisorConfig `toml:"supervisor" yaml:"supervisor"`
	Customer   CustomerConfig   `toml:"customer" yaml:"customer"`
	Routing    RoutingConfig    `toml:"routing" yaml:"routing"`
	Sinks      SinksConfig      `toml:"sinks" yaml:"sinks"`
	Path       string           `toml:"-" yaml:"-"`
}

type SimulationConfig struct {
	// Seed fixes the customer's random source. Zero seeds from the clock.
	Seed       int64 `toml:"seed" yaml:"seed"`
	DurationMS int   `toml:"duration_ms" yaml:"duration_ms"`
	BusBuffer  int   `toml:"bus_buffer" yaml:"bus_buffer"`
}

type StoreConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
	Path   string `toml:"path" yaml:"path"`
	DSN    string `toml:"dsn" yaml:"dsn"`
}

type HTTPConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// CourierSpec is one statically registered courier.
type CourierSpec struct {
	ID       string  `toml:"id" yaml:"id"`
	Capacity int     `toml:"capacity" yaml:"capacity"`
	Battery  float64 `toml:"battery" yaml:"battery"`
	Location string  `toml:"location" yaml:"location"`
}

type CourierConfig struct {
	Capacity         int     `toml:"capacity" yaml:"capacity"`
	IdleWaitMS       int     `toml:"idle_wait_ms" yaml:"idle_wait_ms"`
	RouteWindowMS    int     `toml:"route_window_ms" yaml:"route_window_ms"`
	TransitDelayMS   int     `toml:"transit_delay_ms" yaml:"transit_delay_ms"`
	ReturnDelayMS    int     `toml:"return_delay_ms" yaml:"return_delay_ms"`
	ChargeDelayMS    int     `toml:"charge_delay_ms" yaml:"charge_delay_ms"`
	StatusIntervalMS int     `toml:"status_interval_ms" yaml:"status_interval_ms"`
	LegCost          float64 `toml:"leg_cost" yaml:"leg_cost"`
	ReturnCost       float64 `toml:"return_cost" yaml:"return_cost"`
	ChargeStep       float64 `toml:"charge_step" yaml:"charge_step"`
	ChargeThreshold  float64 `toml:"charge_threshold" yaml:"charge_threshold"`
	DepotPolicy      string  `toml:"depot_policy" yaml:"depot_policy"`
}

type WarehouseConfig struct {
	ListenWindowMS  int `toml:"listen_window_ms" yaml:"listen_window_ms"`
	AssignTimeoutMS int `toml:"assign_timeout_ms" yaml:"assign_timeout_ms"`
	RetryBackoffMS  int `toml:"retry_backoff_ms" yaml:"retry_backoff_ms"`
}

type SupervisorConfig struct {
	Policy            string  `toml:"policy" yaml:"policy"`
	MinBattery        float64 `toml:"min_battery" yaml:"min_battery"`
	StaleAfterMS      int     `toml:"stale_after_ms" yaml:"stale_after_ms"`
	OverloadThreshold int     `toml:"overload_threshold" yaml:"overload_threshold"`
	ReceiveTimeoutMS  int     `toml:"receive_timeout_ms" yaml:"receive_timeout_ms"`
	QueryTimeoutMS    int     `toml:"query_timeout_ms" yaml:"query_timeout_ms"`
}

type CustomerConfig struct {
	Disabled         bool    `toml:"disabled" yaml:"disabled"`
	OrderMinMS       int     `toml:"order_min_ms" yaml:"order_min_ms"`
	OrderMaxMS       int     `toml:"order_max_ms" yaml:"order_max_ms"`
	OrderProbability float64 `toml:"order_probability" yaml:"order_probability"`
}

type RoutingConfig struct {
	LatencyMS int `toml:"latency_ms" yaml:"latency_ms"`
}

type SinksConfig struct {
	// CSVDir enables the CSV sinks. Empty keeps only the store tables.
	CSVDir  string `toml:"csv_dir" yaml:"csv_dir"`
	CommLog bool   `toml:"comm_log" yaml:"comm_log"`
}

// Load reads the file at path (TOML or YAML by extension), then applies
// .env and PARCELNET_* overrides. An empty path yields the defaults plus
// environment overrides.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if strings.TrimSpace(path) != "" {
		resolved, err := expandHome(path)
		if err != nil {
			return Config{}, err
		}
		bytes, err := os.ReadFile(resolved)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
		}
		if err := decode(resolved, bytes, &cfg); err != nil {
			return Config{}, err
		}
		cfg.Path = resolved
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, bytes []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(bytes, cfg); err != nil {
			return fmt.Errorf("decode yaml config: %w", err)
		}
	case ".toml", "":
		if _, err := toml.Decode(string(bytes), cfg); err != nil {
			return fmt.Errorf("decode toml config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

func expandHome(path string) (string, error) {
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	return filepath.Clean(resolved), nil
}

func (c *Config) applyEnv() {
	if v := env("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := env("STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := env("STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := env("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := env("CSV_DIR"); v != "" {
		c.Sinks.CSVDir = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/parcelnet.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8092"
	}
	if c.Courier.DepotPolicy == "" {
		c.Courier.DepotPolicy = DepotEveryDelivery
	}
	if c.Courier.Capacity <= 0 {
		c.Courier.Capacity = 5
	}
	if len(c.Couriers) == 0 {
		c.Couriers = []CourierSpec{{ID: "courier1"}, {ID: "courier2"}, {ID: "courier3"}}
	}
	for i := range c.Couriers {
		c.Couriers[i].ID = strings.TrimSpace(c.Couriers[i].ID)
		c.Couriers[i].Location = strings.TrimSpace(c.Couriers[i].Location)
		if c.Couriers[i].Capacity <= 0 {
			c.Couriers[i].Capacity = c.Courier.Capacity
		}
		if c.Couriers[i].Battery <= 0 {
			c.Couriers[i].Battery = 100
		}
	}
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Courier.DepotPolicy {
	case DepotEveryDelivery, DepotWhenEmpty:
	default:
		return fmt.Errorf("unknown depot policy %q", c.Courier.DepotPolicy)
	}
	seen := make(map[string]bool, len(c.Couriers))
	for _, spec := range c.Couriers {
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			return errors.New("courier id is required")
		}
		if id != spec.ID {
			return fmt.Errorf("courier id %q has surrounding spaces", spec.ID)
		}
		if slices.Contains(ReservedAgentIDs, id) {
			return fmt.Errorf("courier id %q is reserved for a built-in agent", id)
		}
		if seen[id] {
			return fmt.Errorf("duplicate courier id %q", id)
		}
		seen[id] = true
		if spec.Battery > 100 {
			return fmt.Errorf("courier %s battery %.1f out of range", id, spec.Battery)
		}
	}
	if p := c.Customer.OrderProbability; p < 0 || p > 1 {
		return fmt.Errorf("customer.order_probability %.2f out of range", p)
	}
	return nil
}

// MS converts a *_ms setting. Zero or negative values stay zero so the
// consumer's own default applies.
func MS(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

// CourierIDs lists the static registry in configuration order.
func (c Config) CourierIDs() []string {
	ids := make([]string, 0, len(c.Couriers))
	for _, spec := range c.Couriers {
		ids = append(ids, spec.ID)
	}
	return ids
}
