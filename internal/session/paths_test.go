package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestBaseDirOverride(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CHATSYNC_HOME", tmpDir)
	if got := BaseDir(); got != tmpDir {
		t.Errorf("BaseDir() = %q, want %q", got, tmpDir)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix sessions/test/daemon.sock", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestDBAndLogPaths(t *testing.T) {
	if got := DBPath("test"); !strings.HasSuffix(got, filepath.Join("test", "chatsync.db")) {
		t.Errorf("DBPath(test) = %q", got)
	}
	if got := LogPath("test"); !strings.HasSuffix(got, filepath.Join("test", "logs", "chatsyncd.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	for _, name := range []string{"main", "work"} {
		if err := EnsureDir(name); err != nil {
			t.Fatalf("EnsureDir(%s) error = %v", name, err)
		}
	}
	info, err := os.Stat(LogDir("main"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("log dir permission = %o, want 0700", info.Mode().Perm())
	}

	names, err := List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(names) != 2 || names[0] != "main" || names[1] != "work" {
		t.Errorf("List() = %v, want [main work]", names)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	t.Setenv("CHATSYNC_SESSION", "")
	if got := Resolve("flag"); got != "flag" {
		t.Errorf("Resolve(flag) = %q", got)
	}
	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() = %q, want %q", got, DefaultSessionName)
	}
	if err := os.WriteFile(ConfigPath(), []byte("default_session = \"work\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() with config = %q, want work", got)
	}
	t.Setenv("CHATSYNC_SESSION", "ops")
	if got := Resolve(""); got != "ops" {
		t.Errorf("Resolve() with env = %q, want ops", got)
	}
}
