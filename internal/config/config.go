package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rickbal456/fdyu-sub003/internal/provider"
)

type Config struct {
	Host          string
	Port          string
	DataDir       string
	DBPath        string
	APIKey        string
	PublicBaseURL string

	MaxRepeat         int
	SlotTTL           time.Duration
	QueueItemTTL      time.Duration
	WorkerInterval    time.Duration
	CleanupSchedule   string
	PersistResults    bool
	AdvanceIterations bool
	CreditsDisabled   bool

	LogLevel  string
	LogFormat string

	ProvidersFile string
	UserKeysFile  string
}

// ProvidersFile is the optional YAML file with administrator overrides:
//
//	providers:
//	  kie:
//	    base_url: https://api.kie.ai
//	    max_concurrent: 2
//	    completion: poll
//	node_costs:
//	  kie_image: 5
type ProvidersFile struct {
	Providers map[string]provider.ProviderSetting `yaml:"providers"`
	NodeCosts map[string]int64                    `yaml:"node_costs"`
}

func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

func LoadFrom(getenv func(string) string) (Config, error) {
	env := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		Host:            env("GATEWAY_HOST", "127.0.0.1"),
		Port:            env("GATEWAY_PORT", "8088"),
		DataDir:         env("GATEWAY_DATA_DIR", ".data"),
		APIKey:          env("GATEWAY_API_KEY", ""),
		PublicBaseURL:   strings.TrimRight(env("GATEWAY_PUBLIC_BASE_URL", ""), "/"),
		CleanupSchedule: env("GATEWAY_CLEANUP_SCHEDULE", "@every 1m"),
		LogLevel:        env("GATEWAY_LOG_LEVEL", "info"),
		LogFormat:       env("GATEWAY_LOG_FORMAT", "json"),
		ProvidersFile:   env("GATEWAY_PROVIDERS_FILE", ""),
		UserKeysFile:    env("GATEWAY_USER_KEYS_FILE", ""),
	}
	cfg.DBPath = env("GATEWAY_DB_PATH", filepath.Join(cfg.DataDir, "gateway.db"))

	var errs []error
	cfg.MaxRepeat, errs = intVar(getenv, "GATEWAY_MAX_REPEAT", 100, errs)
	cfg.SlotTTL, errs = durationVar(getenv, "GATEWAY_SLOT_TTL", time.Hour, errs)
	cfg.QueueItemTTL, errs = durationVar(getenv, "GATEWAY_QUEUE_ITEM_TTL", 24*time.Hour, errs)
	cfg.WorkerInterval, errs = durationVar(getenv, "GATEWAY_WORKER_INTERVAL", time.Second, errs)
	cfg.PersistResults, errs = boolVar(getenv, "GATEWAY_PERSIST_RESULTS", false, errs)
	cfg.AdvanceIterations, errs = boolVar(getenv, "GATEWAY_ADVANCE_ITERATIONS", false, errs)
	cfg.CreditsDisabled, errs = boolVar(getenv, "GATEWAY_CREDITS_DISABLED", false, errs)
	if cfg.MaxRepeat < 1 {
		errs = append(errs, errors.New("GATEWAY_MAX_REPEAT must be >= 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

func (c Config) ResultsDir() string {
	return filepath.Join(c.DataDir, "results")
}

// Catalog builds the immutable provider table from the optional providers
// file and <PROVIDER>_API_KEY fallbacks.
func (c Config) Catalog(getenv func(string) string) (*provider.Catalog, error) {
	file, err := ReadProvidersFile(c.ProvidersFile)
	if err != nil {
		return nil, err
	}
	return provider.NewCatalog(file.Providers, file.NodeCosts, getenv)
}

// ReadProvidersFile returns an empty file when path is empty.
func ReadProvidersFile(path string) (ProvidersFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return ProvidersFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ProvidersFile{}, fmt.Errorf("read providers file: %w", err)
	}
	var file ProvidersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ProvidersFile{}, fmt.Errorf("decode providers file %s: %w", path, err)
	}
	return file, nil
}

func intVar(getenv func(string) string, key string, fallback int, errs []error) (int, []error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback, errs
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s: invalid integer %q", key, raw))
	}
	return v, errs
}

func durationVar(getenv func(string) string, key string, fallback time.Duration, errs []error) (time.Duration, []error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback, errs
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback, append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
	}
	return v, errs
}

func boolVar(getenv func(string) string, key string, fallback bool, errs []error) (bool, []error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return fallback, errs
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, append(errs, fmt.Errorf("%s: invalid boolean %q", key, raw))
	}
	return v, errs
}
