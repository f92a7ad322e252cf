// Package omniclient captures traffic of a net/http server and submits it
// to an omnispective server, either directly or through the capture queue.
package omniclient

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultSessionCookie = "sessionid"
	defaultTimeout       = 10 * time.Second
)

// Settings configures the client and middleware. A zero field means "not
// set" for Merge, which is why HostIsSecure is a pointer: its default is
// true.
type Settings struct {
	Host            string
	HostIsSecure    *bool
	Username        string
	APIKey          string
	AppCode         string
	SessionCookie   string
	UseQueue        bool
	Timeout         time.Duration
	RedactSensitive bool
}

func DefaultSettings() Settings {
	return Settings{
		HostIsSecure:  boolPtr(true),
		SessionCookie: defaultSessionCookie,
		Timeout:       defaultTimeout,
	}
}

// Merge returns s with every field set in override replacing its value.
// UseQueue and RedactSensitive can only be switched on by an override.
func (s Settings) Merge(override Settings) Settings {
	merged := s
	if value := strings.TrimSpace(override.Host); value != "" {
		merged.Host = value
	}
	if override.HostIsSecure != nil {
		merged.HostIsSecure = boolPtr(*override.HostIsSecure)
	}
	if value := strings.TrimSpace(override.Username); value != "" {
		merged.Username = value
	}
	if value := strings.TrimSpace(override.APIKey); value != "" {
		merged.APIKey = value
	}
	if value := strings.TrimSpace(override.AppCode); value != "" {
		merged.AppCode = value
	}
	if value := strings.TrimSpace(override.SessionCookie); value != "" {
		merged.SessionCookie = value
	}
	if override.Timeout > 0 {
		merged.Timeout = override.Timeout
	}
	merged.UseQueue = merged.UseQueue || override.UseQueue
	merged.RedactSensitive = merged.RedactSensitive || override.RedactSensitive
	return merged
}

// SettingsFromEnv reads OMNISPECTIVE_* variables on top of the defaults.
func SettingsFromEnv() Settings {
	env := Settings{
		Host:            os.Getenv("OMNISPECTIVE_HOST"),
		HostIsSecure:    envBool("OMNISPECTIVE_HOST_IS_SECURE"),
		Username:        os.Getenv("OMNISPECTIVE_USERNAME"),
		APIKey:          os.Getenv("OMNISPECTIVE_API_KEY"),
		AppCode:         os.Getenv("OMNISPECTIVE_APP_CODE"),
		SessionCookie:   os.Getenv("OMNISPECTIVE_SESSION_COOKIE"),
		UseQueue:        isTrue(envBool("OMNISPECTIVE_USE_QUEUE")),
		RedactSensitive: isTrue(envBool("OMNISPECTIVE_REDACT_SENSITIVE")),
	}
	if raw := strings.TrimSpace(os.Getenv("OMNISPECTIVE_TIMEOUT")); raw != "" {
		if timeout, err := time.ParseDuration(raw); err == nil {
			env.Timeout = timeout
		}
	}
	return DefaultSettings().Merge(env)
}

// Secure reports whether the server is reached over https.
func (s Settings) Secure() bool {
	return s.HostIsSecure == nil || *s.HostIsSecure
}

func (s Settings) validateServer() error {
	var missing []string
	if strings.TrimSpace(s.Host) == "" {
		missing = append(missing, "Host")
	}
	if strings.TrimSpace(s.Username) == "" {
		missing = append(missing, "Username")
	}
	if strings.TrimSpace(s.APIKey) == "" {
		missing = append(missing, "APIKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

func envBool(key string) *bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return boolPtr(true)
	case "0", "false", "no", "off":
		return boolPtr(false)
	default:
		return nil
	}
}

func isTrue(value *bool) bool {
	return value != nil && *value
}

func boolPtr(value bool) *bool {
	return &value
}
