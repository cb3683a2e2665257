package session

import (
	"os"

	"github.com/matheus3301/wppdesk/internal/config"
)

const DefaultSessionName = "main"

// SessionEnv names the session when no flag is given.
const SessionEnv = "WPPDESK_SESSION"

// Resolve picks the active session: the --session flag, then $WPPDESK_SESSION,
// then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	for _, name := range []string{flagOverride, os.Getenv(SessionEnv)} {
		if name != "" {
			return name
		}
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
