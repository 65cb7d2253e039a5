package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/boostsync/internal/config"
)

func TestDirDefaultsToHome(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".boostsync", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	if got := Dir("work"); got != filepath.Join(base, "profiles", "work") {
		t.Errorf("Dir(work) = %q", got)
	}
	if got := ConfigPath(); got != filepath.Join(base, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestProfilePaths(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"socket", SocketPath("test"), filepath.Join("profiles", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("profiles", "test", "LOCK")},
		{"db", AppDBPath("test"), filepath.Join("profiles", "test", "boostsync.db")},
		{"bolt", BoltPath("test"), filepath.Join("profiles", "test", "kv.bolt")},
		{"env", EnvPath("test"), filepath.Join("profiles", "test", ".env")},
		{"log", LogPath("test"), filepath.Join("profiles", "test", "logs", "boostd.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.want) {
				t.Errorf("got %q, want suffix %q", tt.got, tt.want)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatalf("EnsureDir() error = %v", err)
	}
	for _, dir := range []string{Dir("test"), LogDir("test")} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("%s not created: %v", dir, err)
		}
		if info.Mode().Perm() != 0700 {
			t.Errorf("%s permission = %o, want 0700", dir, info.Mode().Perm())
		}
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	t.Setenv(ProfileEnv, "")

	if got := Resolve(""); got != DefaultProfileName {
		t.Errorf("Resolve() without config = %q, want %q", got, DefaultProfileName)
	}

	cfg := config.Default()
	cfg.DefaultProfile = "work"
	if err := config.Save(ConfigPath(), cfg); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, flag should win", got)
	}

	t.Setenv(ProfileEnv, "staging")
	if got := Resolve(""); got != "staging" {
		t.Errorf("Resolve() = %q, env should beat config", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, flag should beat env", got)
	}
}
