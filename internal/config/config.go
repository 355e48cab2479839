package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store kinds for the offline reference cache
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreNone   = "none"
)

// Config holds all configuration for the fleet sync engine
type Config struct {
	// Server
	BaseURL string `yaml:"base_url" validate:"required,url"`
	WSURL   string `yaml:"ws_url" validate:"omitempty,url"`

	// Reference cache
	StoreKind              string        `yaml:"store" validate:"oneof=file sqlite none"`
	CacheDir               string        `yaml:"cache_dir" validate:"required_if=StoreKind file"`
	SQLitePath             string        `yaml:"sqlite_path" validate:"required_if=StoreKind sqlite"`
	ReferenceFreshness     time.Duration `yaml:"reference_freshness" validate:"gt=0"`
	ReferenceCheckInterval time.Duration `yaml:"reference_check_interval" validate:"gt=0"`

	// Realtime
	Keepalive         time.Duration `yaml:"keepalive" validate:"gt=0"`
	ViewportDebounce  time.Duration `yaml:"viewport_debounce" validate:"gte=0"`
	FavouriteRefresh  time.Duration `yaml:"favourite_refresh" validate:"gt=0"`
	MaxVisible        int           `yaml:"max_visible" validate:"gte=1"`
	FavouritesMode    string        `yaml:"favourites_mode" validate:"oneof=priority include"`
	GTFSRTURL         string        `yaml:"gtfsrt_vehicle_positions_url" validate:"omitempty,url"`
	GTFSRTInterval    time.Duration `yaml:"gtfsrt_interval" validate:"gt=0"`
	ScheduleCacheSize int           `yaml:"schedule_cache_size" validate:"gte=1"`
	PrefetchStops     []string      `yaml:"prefetch_stops"`

	// Bridge API
	APIEnabled     bool     `yaml:"api_enabled"`
	ListenAddr     string   `yaml:"listen_addr" validate:"required_if=APIEnabled true"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoadEnvFiles loads dir/.env, then dir/.env.local on top of it. Missing
// files are ignored.
func LoadEnvFiles(dir string) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))
	_ = godotenv.Overload(filepath.Join(dir, ".env.local"))
}

// Load reads configuration from environment variables with sensible
// defaults, applies the YAML file named by FLEETSYNC_CONFIG on top, derives
// the websocket URL and validates the result
func Load() (*Config, error) {
	cfg := &Config{
		// Server
		BaseURL: getEnv("WABUS_BASE_URL", "http://localhost:8080"),
		WSURL:   getEnv("WABUS_WS_URL", ""),

		// Reference cache
		StoreKind:              getEnv("REFERENCE_STORE", StoreFile),
		CacheDir:               getEnv("CACHE_DIR", defaultCacheDir()),
		SQLitePath:             getEnv("SQLITE_DATABASE", ""),
		ReferenceFreshness:     getEnvDuration("REFERENCE_FRESHNESS", 6*time.Hour),
		ReferenceCheckInterval: getEnvDuration("REFERENCE_CHECK_INTERVAL", 30*time.Minute),

		// Realtime
		Keepalive:         getEnvDuration("WS_KEEPALIVE", 25*time.Second),
		ViewportDebounce:  getEnvDuration("VIEWPORT_DEBOUNCE", 300*time.Millisecond),
		FavouriteRefresh:  getEnvDuration("FAVOURITE_REFRESH_INTERVAL", 30*time.Second),
		MaxVisible:        getEnvInt("MAX_VISIBLE_VEHICLES", 150),
		FavouritesMode:    strings.ToLower(getEnv("FAVOURITES_MODE", "priority")),
		GTFSRTURL:         getEnv("GTFSRT_VEHICLE_POSITIONS_URL", ""),
		GTFSRTInterval:    getEnvDuration("GTFSRT_POLL_INTERVAL", 15*time.Second),
		ScheduleCacheSize: getEnvInt("SCHEDULE_CACHE_SIZE", 512),
		PrefetchStops:     getEnvList("PREFETCH_STOPS", nil),

		// Bridge API
		APIEnabled:     getEnvBool("BRIDGE_API_ENABLED", true),
		ListenAddr:     getEnv("LISTEN_ADDR", ":8090"),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
	}

	if path := os.Getenv("FLEETSYNC_CONFIG"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}

	// Derived paths
	if cfg.SQLitePath == "" && cfg.CacheDir != "" {
		cfg.SQLitePath = filepath.Join(cfg.CacheDir, "reference.db")
	}
	if cfg.WSURL == "" {
		ws, err := DeriveWSURL(cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		cfg.WSURL = ws
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// overlay replaces only the keys present in the YAML file
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// DeriveWSURL maps http(s)://host/... to ws(s)://host/v1/ws
func DeriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported base URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "fleetsync")
	}
	return filepath.Join(os.TempDir(), "fleetsync")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
