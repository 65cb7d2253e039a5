package session

import (
	"os"

	"github.com/matheus3301/boostsync/internal/config"
)

// DefaultProfileName is used when nothing else names a profile.
const DefaultProfileName = "main"

// ProfileEnv selects the profile when no flag is given.
const ProfileEnv = "BOOSTSYNC_PROFILE"

// Resolve picks the active profile: the --profile flag, then
// BOOSTSYNC_PROFILE, then default_profile from config.toml, then "main".
// An unreadable config.toml falls through to the default.
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(ProfileEnv); env != "" {
		return env
	}
	if cfg, err := config.Load(ConfigPath()); err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return DefaultProfileName
}
