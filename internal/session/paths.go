package session

import (
	"errors"
	"os"
	"path/filepath"
)

// BaseDir returns ~/.chatsync, or $CHATSYNC_HOME when set.
func BaseDir() string {
	if dir := os.Getenv("CHATSYNC_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chatsync")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// SocketPath returns the UDS socket path for a session.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the local store path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chatsync.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// List returns the names of sessions that have a directory under BaseDir.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "sessions"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
