package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "config.json"))
	doc, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if doc.Port != 8080 {
		t.Errorf("port = %d", doc.Port)
	}
	if !doc.Governor.ErrorRetry {
		t.Error("error retry must default to on")
	}
	if doc.Governor.AutoTruncate || doc.Governor.SmartSummary {
		t.Error("other governor strategies must default to off")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	s := NewStore(path)

	doc := Defaults()
	doc.Port = 9090
	doc.Accounts = []AccountRecord{{
		ID:           "id-1",
		Label:        "work",
		Provenance:   "aws-device-code",
		AuthKind:     "aws-device-code",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour).Truncate(time.Second),
		Enabled:      true,
	}}
	if err := s.Save(doc); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Port != 9090 || len(loaded.Accounts) != 1 {
		t.Errorf("loaded = %#v", loaded)
	}
	if loaded.Accounts[0].Label != "work" || loaded.Accounts[0].RefreshToken != "rt" {
		t.Errorf("account = %#v", loaded.Accounts[0])
	}
	if loaded.SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %d", loaded.SchemaVersion)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	s := NewStore(path)

	if err := s.Save(Defaults()); err != nil {
		t.Fatal(err)
	}
	// No temp files left behind after a successful save.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestLoadCorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte("{not json"), 0o600)
	if _, err := NewStore(path).Load(); err == nil {
		t.Error("corrupt config must be an error so the process can exit non-zero")
	}
}
