package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             string
	AllowedOrigins   []string
	AllowCredentials bool
	Environment      string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	KafkaEnabled     bool
	KafkaBrokers     []string
	KafkaGroupPrefix string

	DBUrl     string
	JWTSecret string

	SupabaseURL        string
	SupabaseBucket     string
	SupabaseServiceKey string

	TypingTTL         time.Duration
	PresenceHeartbeat time.Duration
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	typingTTL, err := time.ParseDuration(getEnv("TYPING_TTL", "5s"))
	if err != nil || typingTTL <= 0 {
		return nil, fmt.Errorf("invalid TYPING_TTL: %q", os.Getenv("TYPING_TTL"))
	}

	heartbeat, err := time.ParseDuration(getEnv("PRESENCE_HEARTBEAT", "10s"))
	if err != nil || heartbeat <= 0 {
		return nil, fmt.Errorf("invalid PRESENCE_HEARTBEAT: %q", os.Getenv("PRESENCE_HEARTBEAT"))
	}

	return &Config{
		Port:               getEnv("PORT", "8082"),
		AllowedOrigins:     splitList(getEnv("ALLOWED_ORIGINS", "*")),
		AllowCredentials:   getEnvBool("ALLOW_CREDENTIALS", false),
		Environment:        getEnv("ENVIRONMENT", "development"),
		RedisHost:          getEnv("REDIS_HOST", "localhost"),
		RedisPort:          getEnv("REDIS_PORT", "6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisPoolSize:      getEnvInt("REDIS_POOL_SIZE", 20),
		KafkaEnabled:       getEnvBool("KAFKA_ENABLED", false),
		KafkaBrokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaGroupPrefix:   getEnv("KAFKA_GROUP_PREFIX", "tutorchat-ws"),
		DBUrl:              getEnv("DB_URL", ""),
		JWTSecret:          jwtSecret,
		SupabaseURL:        getEnv("SUPABASE_URL", ""),
		SupabaseBucket:     getEnv("SUPABASE_BUCKET", ""),
		SupabaseServiceKey: getEnv("SUPABASE_SERVICE_KEY", ""),
		TypingTTL:          typingTTL,
		PresenceHeartbeat:  heartbeat,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// GetCORSOrigins returns CORS origins as a comma-separated string
func (c *Config) GetCORSOrigins() string {
	if c.Environment == "production" && len(c.AllowedOrigins) > 0 && c.AllowedOrigins[0] != "*" {
		return strings.Join(c.AllowedOrigins, ",")
	}
	return "*"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) StorageEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseBucket != "" && c.SupabaseServiceKey != ""
}
