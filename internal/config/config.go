package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// StoreConfig selects where rides, drivers and notifications live.
type StoreConfig struct {
	Backend       string
	PGDSN         string
	RunMigrations bool
	MongoURI      string
	MongoDatabase string
}

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Store StoreConfig

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	LockPrefix    string

	KafkaBrokers     []string
	LocationTopic    string
	DispatchTopic    string
	DispatchGroup    string
	QueueConcurrency int
	QueueAttempts    int
	QueueBackoff     time.Duration

	Radii          []float64
	ExpandedRadii  []float64
	DiscoveryLimit int
	MaxRounds      int
	OfferTimeout   time.Duration
	LockTTL        time.Duration

	StaleAfter        time.Duration
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	ReminderInterval  time.Duration

	DefaultSpeedMps float64
	OSRMEndpoint    string
	ETACacheTTL     time.Duration

	PushEndpoint string
	PushKey      string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		Store:             StoreConfig{MongoDatabase: "ride_dispatch"},
		RedisGeoKey:       "drivers_geo",
		LockPrefix:        "lock:",
		LocationTopic:     "driver-locations",
		DispatchTopic:     "ride-dispatch",
		DispatchGroup:     "ride-dispatch-workers",
		QueueConcurrency:  5,
		QueueAttempts:     3,
		QueueBackoff:      200 * time.Millisecond,
		Radii:             []float64{3000, 6000, 9000, 12000, 15000, 20000},
		ExpandedRadii:     []float64{3000, 6000, 9000, 12000, 15000, 20000, 25000, 30000},
		DiscoveryLimit:    10,
		MaxRounds:         3,
		OfferTimeout:      45 * time.Second,
		LockTTL:           60 * time.Second,
		StaleAfter:        2 * time.Minute,
		SweepInterval:     30 * time.Second,
		ReconcileInterval: time.Minute,
		ReminderInterval:  time.Minute,
		DefaultSpeedMps:   10,
		ETACacheTTL:       30 * time.Second,
		LogLevel:          "info",
	}
}

// loadDotEnv reads .env (or ENV_FILE) when present. Variables already set
// in the environment win.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadStore(&cfg.Store, &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.LockPrefix, "REDIS_LOCK_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.LocationTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.DispatchTopic, "DISPATCH_TOPIC")
	setStringFromEnv(&cfg.DispatchGroup, "DISPATCH_GROUP")
	setIntFromEnv(&cfg.QueueConcurrency, "DISPATCH_CONCURRENCY", &errs)
	setIntFromEnv(&cfg.QueueAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.QueueBackoff, "DISPATCH_BACKOFF", &errs)

	setFloatsFromEnv(&cfg.Radii, "DISCOVERY_RADII_M", &errs)
	setFloatsFromEnv(&cfg.ExpandedRadii, "DISCOVERY_EXPANDED_RADII_M", &errs)
	setIntFromEnv(&cfg.DiscoveryLimit, "DISCOVERY_LIMIT", &errs)
	setIntFromEnv(&cfg.MaxRounds, "DISPATCH_MAX_ROUNDS", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "OFFER_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.LockTTL, "DRIVER_LOCK_TTL", &errs)

	setDurationFromEnv(&cfg.StaleAfter, "STALE_RIDE_AFTER", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "STALE_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReconcileInterval, "RECONCILE_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ReminderInterval, "REMINDER_INTERVAL", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.DiscoveryLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISCOVERY_LIMIT must be > 0"))
	}
	if cfg.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ROUNDS must be > 0"))
	}
	if cfg.QueueConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CONCURRENCY must be > 0"))
	}
	if err := checkLadder("DISCOVERY_RADII_M", cfg.Radii); err != nil {
		errs = append(errs, err)
	}
	if err := checkLadder("DISCOVERY_EXPANDED_RADII_M", cfg.ExpandedRadii); err != nil {
		errs = append(errs, err)
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the driver location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	Topic         string
	Group         string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	Store         StoreConfig
	UpdateRetries int
	RetryDelay    time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		Topic:         "driver-locations",
		Group:         "ride-dispatch-locations",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "drivers_geo",
		Store:         StoreConfig{MongoDatabase: "ride_dispatch"},
		UpdateRetries: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	loadStore(&cfg.Store, &errs)
	setIntFromEnv(&cfg.UpdateRetries, "CONSUMER_UPDATE_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if cfg.UpdateRetries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_UPDATE_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// loadStore picks the backend from STORE_BACKEND, falling back to whichever
// connection string is set.
func loadStore(s *StoreConfig, errs *[]error) {
	s.PGDSN = os.Getenv("PG_DSN")
	s.MongoURI = os.Getenv("MONGO_URI")
	setStringFromEnv(&s.MongoDatabase, "MONGO_DATABASE")
	s.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	s.Backend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	switch s.Backend {
	case "":
		switch {
		case s.PGDSN != "":
			s.Backend = BackendPostgres
		case s.MongoURI != "":
			s.Backend = BackendMongo
		default:
			s.Backend = BackendMemory
		}
	case BackendMemory:
	case BackendPostgres:
		if s.PGDSN == "" {
			*errs = append(*errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	case BackendMongo:
		if s.MongoURI == "" {
			*errs = append(*errs, fmt.Errorf("STORE_BACKEND=mongo requires MONGO_URI"))
		}
	default:
		*errs = append(*errs, fmt.Errorf("unknown STORE_BACKEND %q", s.Backend))
	}
}

func checkLadder(key string, radii []float64) error {
	if len(radii) == 0 {
		return fmt.Errorf("%s must not be empty", key)
	}
	for i, r := range radii {
		if r <= 0 || (i > 0 && r <= radii[i-1]) {
			return fmt.Errorf("%s must be positive and strictly ascending", key)
		}
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setFloatsFromEnv(target *[]float64, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := splitAndTrim(v)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		out = append(out, f)
	}
	*target = out
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
