package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"

	appLog "chronocal/internal/log"
)

// LoadDotEnv loads a .env file from the working directory when one exists.
func LoadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		appLog.Warn("failed to read .env file", "err", err)
	}
}

// ApplyEnv fills secrets that are kept out of the YAML file.
//
//   - GOOGLE_CLIENT_ID    -> every Google source without a client ID
//   - GOOGLE_CLIENT_SECRET -> every Google source without a client secret
//   - CALDAV_PASSWORD     -> every CalDAV source without a password
//   - ZOHO_CLIENT_ID      -> every Zoho source without a client ID
//   - ZOHO_CLIENT_SECRET  -> every Zoho source without a client secret
//   - ZOHO_REFRESH_TOKEN  -> every Zoho source without a refresh token
//   - LOG_LEVEL           -> LogLevel
func (c *Config) ApplyEnv() {
	if v := getEnvOrDefault("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	gID := getEnvOrDefault("GOOGLE_CLIENT_ID", "")
	gSecret := getEnvOrDefault("GOOGLE_CLIENT_SECRET", "")
	for i := range c.Providers.Google {
		g := &c.Providers.Google[i]
		if g.ClientID == "" {
			g.ClientID = gID
		}
		if g.ClientSecret == "" {
			g.ClientSecret = gSecret
		}
	}
	pw := getEnvOrDefault("CALDAV_PASSWORD", "")
	for i := range c.Providers.CalDAV {
		if c.Providers.CalDAV[i].Password == "" {
			c.Providers.CalDAV[i].Password = pw
		}
	}
	clientID := getEnvOrDefault("ZOHO_CLIENT_ID", "")
	secret := getEnvOrDefault("ZOHO_CLIENT_SECRET", "")
	refresh := getEnvOrDefault("ZOHO_REFRESH_TOKEN", "")
	for i := range c.Providers.Zoho {
		z := &c.Providers.Zoho[i]
		if z.ClientID == "" {
			z.ClientID = clientID
		}
		if z.ClientSecret == "" {
			z.ClientSecret = secret
		}
		if z.RefreshToken == "" {
			z.RefreshToken = refresh
		}
	}
}

// getEnvOrDefault returns the trimmed environment value or defaultValue.
func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}
