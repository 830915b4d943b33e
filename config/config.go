package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"transcode-orchestrator/core/models"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// Database
	DatabaseType string // postgres, sqlite or memory
	DatabaseURL  string

	// Server
	ServerPort string
	LogLevel   string
	LogFormat  string

	// AWS
	AWSRegion string

	// Routing
	RoutingMode    models.RoutingMode
	HomeInstanceID string
	Instances      []models.InstanceConfig

	// Attempt timers
	CurrencyCheckInterval time.Duration
	CurrencyThreshold     time.Duration
	TimeoutCheckInterval  time.Duration
	TimeoutThreshold      time.Duration

	// Scheduler
	Workers       int
	PollInterval  time.Duration
	MaxDeliveries int

	// Backend client
	BackendTimeout    time.Duration
	BackendMaxRetries int
}

// instanceFile is the layout of INSTANCES_FILE
type instanceFile struct {
	RoutingMode  string                  `yaml:"routing_mode"`
	HomeInstance string                  `yaml:"home_instance"`
	Instances    []models.InstanceConfig `yaml:"instances"`
}

// Load loads configuration from environment variables and the optional instance file
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseType:   strings.ToLower(getEnv("DATABASE_TYPE", "postgres")),
		DatabaseURL:    getEnv("DATABASE_URL", "postgres://localhost/transcode_orchestrator?sslmode=disable"),
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		AWSRegion:      getEnv("AWS_REGION", "us-east-1"),
		HomeInstanceID: getEnv("HOME_INSTANCE_ID", ""),
	}

	var err error
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"CURRENCY_CHECK_INTERVAL", time.Minute, &cfg.CurrencyCheckInterval},
		{"CURRENCY_THRESHOLD", 2 * time.Minute, &cfg.CurrencyThreshold},
		{"TIMEOUT_CHECK_INTERVAL", 5 * time.Minute, &cfg.TimeoutCheckInterval},
		{"TIMEOUT_THRESHOLD", 30 * time.Minute, &cfg.TimeoutThreshold},
		{"SCHEDULER_POLL_INTERVAL", time.Second, &cfg.PollInterval},
		{"BACKEND_TIMEOUT", 30 * time.Second, &cfg.BackendTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}
	if cfg.Workers, err = getInt("SCHEDULER_WORKERS", 8); err != nil {
		return nil, err
	}
	if cfg.MaxDeliveries, err = getInt("SCHEDULER_MAX_DELIVERIES", 25); err != nil {
		return nil, err
	}
	if cfg.BackendMaxRetries, err = getInt("BACKEND_MAX_RETRIES", 3); err != nil {
		return nil, err
	}

	routingMode := getEnv("ROUTING_MODE", "")
	if path := getEnv("INSTANCES_FILE", ""); path != "" {
		file, err := loadInstanceFile(path)
		if err != nil {
			return nil, err
		}
		cfg.Instances = file.Instances
		if routingMode == "" {
			routingMode = file.RoutingMode
		}
		if cfg.HomeInstanceID == "" {
			cfg.HomeInstanceID = file.HomeInstance
		}
	} else {
		cfg.Instances = instancesFromEnv()
	}

	if cfg.RoutingMode, err = models.ParseRoutingMode(routingMode); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail at runtime
func (c *Config) Validate() error {
	switch c.DatabaseType {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported DATABASE_TYPE %q", c.DatabaseType)
	}

	seen := make(map[string]bool, len(c.Instances))
	for _, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instance without id")
		}
		if seen[inst.ID] {
			return fmt.Errorf("duplicate instance %q", inst.ID)
		}
		seen[inst.ID] = true
		if inst.Endpoint == "" {
			return fmt.Errorf("instance %q has no endpoint", inst.ID)
		}
	}
	if c.RoutingMode == models.RoutingModeRegionalAffinity {
		if c.HomeInstanceID == "" {
			return fmt.Errorf("HOME_INSTANCE_ID is required for %s routing", c.RoutingMode)
		}
		if !seen[c.HomeInstanceID] {
			return fmt.Errorf("home instance %q is not in the instance pool", c.HomeInstanceID)
		}
	}

	for name, d := range map[string]time.Duration{
		"CURRENCY_CHECK_INTERVAL": c.CurrencyCheckInterval,
		"CURRENCY_THRESHOLD":      c.CurrencyThreshold,
		"TIMEOUT_CHECK_INTERVAL":  c.TimeoutCheckInterval,
		"TIMEOUT_THRESHOLD":       c.TimeoutThreshold,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// Instance returns the backend coordinates of an instance
func (c *Config) Instance(id string) (models.InstanceConfig, bool) {
	for _, inst := range c.Instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return models.InstanceConfig{}, false
}

// InstanceIDs returns the pool in configuration order
func (c *Config) InstanceIDs() []string {
	ids := make([]string, 0, len(c.Instances))
	for _, inst := range c.Instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

// SignsRequests reports whether any instance needs AWS credentials
func (c *Config) SignsRequests() bool {
	for _, inst := range c.Instances {
		if inst.SignRequests {
			return true
		}
	}
	return false
}

func loadInstanceFile(path string) (*instanceFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instance file: %w", err)
	}

	var file instanceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse instance file: %w", err)
	}
	for i := range file.Instances {
		// keys can stay out of the file
		if file.Instances[i].APIKey == "" {
			file.Instances[i].APIKey = os.Getenv(instanceEnv(file.Instances[i].ID, "API_KEY"))
		}
	}
	return &file, nil
}

// instancesFromEnv reads INSTANCE_IDS=a;b plus INSTANCE_<ID>_ENDPOINT, _REGION, _API_KEY and _SIGN
func instancesFromEnv() []models.InstanceConfig {
	var instances []models.InstanceConfig
	for _, id := range strings.Split(getEnv("INSTANCE_IDS", ""), ";") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		sign, _ := strconv.ParseBool(os.Getenv(instanceEnv(id, "SIGN")))
		instances = append(instances, models.InstanceConfig{
			ID:           id,
			Endpoint:     os.Getenv(instanceEnv(id, "ENDPOINT")),
			Region:       os.Getenv(instanceEnv(id, "REGION")),
			APIKey:       os.Getenv(instanceEnv(id, "API_KEY")),
			SignRequests: sign,
		})
	}
	return instances
}

func instanceEnv(id, field string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
	return "INSTANCE_" + name + "_" + field
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
