package main

import (
	"errors"
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds the command line settings.
type CLIConfig struct {
	name        string
	avatar      string
	downloadDir string
	debugAddr   string
	logLevel    string
	logJSON     bool
	noAuto      bool
}

// loadEnv reads an optional .env file. Missing files are not an error.
func loadEnv(path string) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logrus.WithFields(logrus.Fields{
			"function": "loadEnv",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Ignoring unreadable env file")
	}
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseCLIFlags parses args. Environment variables supply the defaults.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	config := &CLIConfig{}
	fs.StringVar(&config.name, "name", getEnv("LANCHAT_NAME", ""), "Display name announced to peers")
	fs.StringVar(&config.avatar, "avatar", getEnv("LANCHAT_AVATAR", ""), "Avatar announced to peers")
	fs.StringVar(&config.downloadDir, "download-dir", getEnv("LANCHAT_DOWNLOAD_DIR", "./downloads"), "Directory for received files")
	fs.StringVar(&config.debugAddr, "debug-addr", getEnv("LANCHAT_DEBUG_ADDR", ""), "Address of the debug HTTP endpoint (disabled when empty)")
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&config.logJSON, "log-json", false, "Log as JSON")
	fs.BoolVar(&config.noAuto, "no-auto-download", false, "Do not download received files automatically")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if config.name == "" {
		return nil, errors.New("a name is required (-name or LANCHAT_NAME)")
	}
	return config, nil
}

// setupLogging applies the level and format flags to the standard logger.
func setupLogging(config *CLIConfig) error {
	level, err := logrus.ParseLevel(config.logLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if config.logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
