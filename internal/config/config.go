// Package config loads server configuration from the environment (with an
// optional .env file for local development) and exposes the wire-format
// constants that carry compatibility significance across versions.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// PublicRoomID is the fixed, well-known id of the room every registered
// user is auto-joined to.
var PublicRoomID = uuid.MustParse("7e40f106-3e7d-498a-94cc-5fa7f62cfce6")

// PublicRoomName is the display name of the public room.
const PublicRoomName = "public room"

// ChunkSize is the fixed size, in bytes, of every FileChunk wire payload.
const ChunkSize = 8192

// FrameLengthPrefixSize is the width, in bytes, of the frame codec's
// length prefix.
const FrameLengthPrefixSize = 4

// DefaultMaxFrameSize bounds a single frame's payload length.
const DefaultMaxFrameSize = 16 * 1024 * 1024 // 16 MiB

var (
	// UsernamePattern matches a valid username.
	UsernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{7,29}$`)
	// PasswordPattern matches the character set and length a valid
	// password must come from; case/digit coverage is checked separately.
	PasswordPattern = regexp.MustCompile(`^[A-Za-z0-9!@#$%^&*()_+]{8,32}$`)
)

// ValidateUsername reports whether username satisfies the username policy.
func ValidateUsername(username string) bool {
	return UsernamePattern.MatchString(username)
}

// ValidatePassword reports whether password satisfies the password policy:
// 8-32 chars from the allowed set, with at least one lowercase letter, one
// uppercase letter, and one digit.
func ValidatePassword(password string) bool {
	if !PasswordPattern.MatchString(password) {
		return false
	}
	var hasLower, hasUpper, hasDigit bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= '0' && r <= '9':
			hasDigit = true
		}
	}
	return hasLower && hasUpper && hasDigit
}

// Capacities holds the tunable bounded-channel capacities named in the
// concurrency model.
type Capacities struct {
	Room               int
	Direct             int
	ManagerClient      int
	ClientComm         int
	ClientPersistence  int
}

// DefaultCapacities are the tuning parameters' default values.
func DefaultCapacities() Capacities {
	return Capacities{
		Room:              500,
		Direct:            30,
		ManagerClient:     10,
		ClientComm:        30,
		ClientPersistence: 30,
	}
}

// Config is the fully-resolved server configuration.
type Config struct {
	Host string
	Port string

	TLSCertFile string
	TLSKeyFile  string

	DBURL   string
	DBUsers string
	DBRooms string

	FilesDir  string
	AutoASCII bool

	MetricsAddr string

	Capacities Capacities

	MaxFrameSize int
}

// Load reads configuration from the environment, first attempting to load a
// .env file (a missing .env is not an error — it is expected in production).
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Host:         getenv("SERVER_HOST", "0.0.0.0"),
		Port:         os.Getenv("SERVER_PORT"),
		TLSCertFile:  os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:   os.Getenv("TLS_KEY_FILE"),
		DBURL:        getenv("DB_URL", "./data/db"),
		DBUsers:      getenv("DB_USERS", "users.json"),
		DBRooms:      getenv("DB_ROOMS", "rooms.json"),
		FilesDir:     getenv("FILES_DIR", "./data/files"),
		AutoASCII:    getenvBool("AUTO_ASCII", false),
		MetricsAddr:  getenv("METRICS_ADDR", ":9090"),
		Capacities:   DefaultCapacities(),
		MaxFrameSize: DefaultMaxFrameSize,
	}

	if cfg.Port == "" {
		return Config{}, fmt.Errorf("config: SERVER_PORT is required")
	}

	if v := os.Getenv("ROOM_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: ROOM_CAPACITY: %w", err)
		}
		cfg.Capacities.Room = n
	}
	if v := os.Getenv("DIRECT_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: DIRECT_CAPACITY: %w", err)
		}
		cfg.Capacities.Direct = n
	}
	if v := os.Getenv("MANAGER_CLIENT_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: MANAGER_CLIENT_CAPACITY: %w", err)
		}
		cfg.Capacities.ManagerClient = n
	}
	if v := os.Getenv("CLIENT_COMM_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CLIENT_COMM_CAPACITY: %w", err)
		}
		cfg.Capacities.ClientComm = n
	}
	if v := os.Getenv("CLIENT_PERSISTENCE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CLIENT_PERSISTENCE_CAPACITY: %w", err)
		}
		cfg.Capacities.ClientPersistence = n
	}

	return cfg, nil
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
