// Package config loads meepo's connection settings from the environment,
// the same .env-then-os.Getenv idiom the teacher uses in
// internal/db/database.go.
package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds the DSNs/URLs every meepo component connects through.
type Config struct {
	// MySQLDSN is the replication source, a go-sql-driver/mysql DSN.
	MySQLDSN string
	// RedisDSN addresses the preparecommit.Log and eventstore.Store
	// backing redis instance.
	RedisDSN string
	// NATSURL addresses the replicator's fan-out transport.
	NATSURL string
}

// Load reads a .env file if present, then required variables from the
// environment: MYSQL_REPLICATOR_DSN, REDIS_DSN, NATS_URL. Missing .env
// files are not an error (a deployed process sets these directly); a
// missing required variable is fatal, matching the teacher's
// Connect()-time validation.
func Load() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: error loading .env file: %v", err)
	}

	cfg := Config{
		MySQLDSN: os.Getenv("MYSQL_REPLICATOR_DSN"),
		RedisDSN: os.Getenv("REDIS_DSN"),
		NATSURL:  os.Getenv("NATS_URL"),
	}

	if cfg.MySQLDSN == "" {
		log.Fatal("config: MYSQL_REPLICATOR_DSN not set in .env file or environment")
	}
	if cfg.RedisDSN == "" {
		log.Fatal("config: REDIS_DSN not set in .env file or environment")
	}
	if cfg.NATSURL == "" {
		log.Fatal("config: NATS_URL not set in .env file or environment")
	}

	return cfg
}
