package session

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("WPPDESK_HOME", base)

	got := Dir("main")
	want := filepath.Join(base, "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	t.Setenv("WPPDESK_HOME", t.TempDir())
	tests := []struct {
		got    string
		suffix string
	}{
		{SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{AppDBPath("test"), filepath.Join("sessions", "test", "wppdesk.db")},
		{LogPath("test"), filepath.Join("sessions", "test", "logs", "wppd.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%q does not end with %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv("WPPDESK_HOME", t.TempDir())

	names, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 0 {
		t.Fatalf("List() on empty home = %v", names)
	}

	for _, n := range []string{"work", "main"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"main", "work"}; !reflect.DeepEqual(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
}
