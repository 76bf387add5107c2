package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration returns the duration value (e.g. "250ms") of the environment
// variable named by key, or fallback if it is unset, empty, or not a valid duration.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by key,
// or fallback if it is unset, empty, or not a valid boolean.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// Config holds the writer process settings.
type Config struct {
	ConnectAddress          string
	OutputFile              string
	NFrames                 int
	UserID                  int
	RestPort                int
	NotifyAddress           string
	FormatFile              string
	BufferSlots             int
	SlotBytes               int
	BufferWriteTimeout      time.Duration
	ReceiveTimeout          time.Duration
	ReadRetryInterval       time.Duration
	ParametersRetryInterval time.Duration
	NotifyTimeout           time.Duration
	StatsAddress            string
	StatsInterval           time.Duration
	Compression             string
	CommitEvery             int
	HeaderFields            string
	LogLevel                string
	LogFormat               string
}

// FromEnv builds a Config from the environment, using defaults for unset keys.
func FromEnv() Config {
	return Config{
		ConnectAddress:          GetEnv("WRITER_CONNECT_ADDRESS", ""),
		OutputFile:              GetEnv("WRITER_OUTPUT_FILE", ""),
		NFrames:                 GetEnvInt("WRITER_N_FRAMES", 0),
		UserID:                  GetEnvInt("WRITER_USER_ID", -1),
		RestPort:                GetEnvInt("WRITER_REST_PORT", 9555),
		NotifyAddress:           GetEnv("WRITER_NOTIFY_ADDRESS", ""),
		FormatFile:              GetEnv("WRITER_FORMAT_FILE", ""),
		BufferSlots:             GetEnvInt("WRITER_BUFFER_SLOTS", 100),
		SlotBytes:               GetEnvInt("WRITER_SLOT_BYTES", 2<<20),
		BufferWriteTimeout:      GetEnvDuration("WRITER_BUFFER_WRITE_TIMEOUT", 500*time.Millisecond),
		ReceiveTimeout:          GetEnvDuration("WRITER_RECEIVE_TIMEOUT", 100*time.Millisecond),
		ReadRetryInterval:       GetEnvDuration("WRITER_READ_RETRY_INTERVAL", 5*time.Millisecond),
		ParametersRetryInterval: GetEnvDuration("WRITER_PARAMETERS_RETRY_INTERVAL", 300*time.Millisecond),
		NotifyTimeout:           GetEnvDuration("WRITER_NOTIFY_TIMEOUT", 2*time.Second),
		StatsAddress:            GetEnv("WRITER_STATS_ADDRESS", ""),
		StatsInterval:           GetEnvDuration("WRITER_STATS_INTERVAL", time.Second),
		Compression:             GetEnv("WRITER_COMPRESSION", "none"),
		CommitEvery:             GetEnvInt("WRITER_COMMIT_EVERY", 100),
		HeaderFields:            GetEnv("WRITER_HEADER_FIELDS", "pulse_id:uint64"),
		LogLevel:                GetEnv("LOG_LEVEL", "info"),
		LogFormat:               GetEnv("LOG_FORMAT", "json"),
	}
}

// Validate reports every setting that cannot start a run.
func (c Config) Validate() error {
	var errs []error
	if c.ConnectAddress == "" {
		errs = append(errs, errors.New("connect address is required"))
	}
	if c.OutputFile == "" {
		errs = append(errs, errors.New("output file is required"))
	}
	if c.NFrames < 0 {
		errs = append(errs, errors.New("number of frames must not be negative"))
	}
	if c.BufferSlots <= 0 || c.SlotBytes <= 0 {
		errs = append(errs, errors.New("buffer slots and slot bytes must be positive"))
	}
	if c.RestPort <= 0 || c.RestPort > 65535 {
		errs = append(errs, errors.New("rest port out of range"))
	}
	if c.ReceiveTimeout <= 0 || c.ReadRetryInterval <= 0 || c.ParametersRetryInterval <= 0 {
		errs = append(errs, errors.New("timeouts and retry intervals must be positive"))
	}
	if c.StatsAddress != "" && c.StatsInterval <= 0 {
		errs = append(errs, errors.New("statistics interval must be positive"))
	}
	if c.CommitEvery <= 0 {
		errs = append(errs, errors.New("commit batch size must be positive"))
	}
	return errors.Join(errs...)
}
