package params

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Exchange struct {
	// QuoteSymbol is the designated payment currency. It can be deposited and
	// withdrawn but never traded as a base asset.
	QuoteSymbol string
	// Admin is the hex address allowed to register tokens.
	Admin string
	// DataDir holds the pebble database.
	DataDir string
}

type API struct {
	Listen         string
	AllowedOrigins []string
}

type Stream struct {
	// KafkaBrokers enables the trade relay when non-empty.
	KafkaBrokers []string
	KafkaTopic   string
}

type Config struct {
	Exchange Exchange
	API      API
	Stream   Stream
	LogFile  string
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			QuoteSymbol: "DAI",
			Admin:       "0x0000000000000000000000000000000000000001",
			DataDir:     "data/dex.db",
		},
		API: API{
			Listen:         ":8080",
			AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
		Stream: Stream{
			KafkaTopic: "dex.trades",
		},
		LogFile: "data/dexd.log",
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Exchange.QuoteSymbol = getEnv("QUOTE_SYMBOL", cfg.Exchange.QuoteSymbol)
	cfg.Exchange.Admin = getEnv("ADMIN_ADDRESS", cfg.Exchange.Admin)
	cfg.Exchange.DataDir = getEnv("DATA_DIR", cfg.Exchange.DataDir)

	cfg.API.Listen = getEnv("API_LISTEN", cfg.API.Listen)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Stream.KafkaBrokers = splitList(brokers)
	}
	cfg.Stream.KafkaTopic = getEnv("KAFKA_TRADE_TOPIC", cfg.Stream.KafkaTopic)

	cfg.LogFile = getEnv("LOG_FILE", cfg.LogFile)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
