package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	DBPath        string
	BackendPath   string // Path to the privileged helper binary
	EscalateCmd   string // Privilege escalation wrapper (e.g. sudo)
	RetentionDays int

	// Reputation service
	ReputationURL     string
	ReputationAPIKey  string
	ReputationTimeout time.Duration

	// Process supervision
	TerminateGrace time.Duration // How long to wait after SIGTERM before SIGKILL

	// Maintenance
	MaintenanceCron string   // Cron expression for periodic cleanup
	CleanupDirs     []string // Extra user directories to clean

	// Self-update
	UpdateAPIURL string // GitHub releases endpoint for update checks
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		DBPath:            getEnv("DEBGUARD_DB_PATH", "./data/debguard.db"),
		BackendPath:       getEnv("DEBGUARD_BACKEND_PATH", "debguard-backend"),
		EscalateCmd:       getEnv("DEBGUARD_ESCALATE_CMD", "sudo"),
		RetentionDays:     getEnvInt("DEBGUARD_RETENTION_DAYS", 30),
		ReputationURL:     getEnv("DEBGUARD_REPUTATION_URL", "https://www.virustotal.com/api/v3"),
		ReputationAPIKey:  getEnv("DEBGUARD_REPUTATION_API_KEY", ""),
		ReputationTimeout: getEnvDuration("DEBGUARD_REPUTATION_TIMEOUT", 30*time.Second),
		TerminateGrace:    getEnvDuration("DEBGUARD_TERMINATE_GRACE", 5*time.Second),
		MaintenanceCron:   getEnv("DEBGUARD_MAINTENANCE_CRON", "0 3 * * *"),
		UpdateAPIURL:      getEnv("DEBGUARD_UPDATE_API_URL", "https://api.github.com/repos/debguard/debguard/releases"),
	}

	// Parse comma-separated cleanup directories
	if dirs := getEnv("DEBGUARD_CLEANUP_DIRS", ""); dirs != "" {
		for _, d := range strings.Split(dirs, ",") {
			d = strings.TrimSpace(d)
			if d != "" {
				cfg.CleanupDirs = append(cfg.CleanupDirs, d)
			}
		}
	}

	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
