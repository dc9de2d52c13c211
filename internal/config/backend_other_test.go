//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agilelab", "config.json")

	b := newFileBackend(path)
	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("autosave.quiet_period", "5s"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reloaded := newFileBackend(path)
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 4200 {
		t.Errorf("GetInt = %d, %v, %v; want 4200, true, nil", port, ok, err)
	}
	qp, ok, _ := reloaded.GetString("autosave.quiet_period")
	if !ok || qp != "5s" {
		t.Errorf("GetString = %q, %v", qp, ok)
	}

	if err := reloaded.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend(path).GetInt("server.port"); ok {
		t.Error("server.port still present after Delete")
	}
}

func TestFileBackendRejectsFractionalInt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server.port": 41.5}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := newFileBackend(path).GetInt("server.port"); err == nil {
		t.Error("expected error for fractional port")
	}
}

func TestSecretsFileKeychain(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	kc := NewKeychain()
	if _, err := kc.Get(keychainService, geminiAccount); err == nil {
		t.Fatal("expected error before any secret is stored")
	}
	if err := kc.Set(keychainService, geminiAccount, "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := kc.Get(keychainService, geminiAccount)
	if err != nil || got != "abc" {
		t.Errorf("Get = %q, %v; want abc", got, err)
	}
}
