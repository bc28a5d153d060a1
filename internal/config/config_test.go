package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[[scrobblers]]
id = "main"
type = "REST"
url = "https://scrobbles.example/api"
username = "alice"
password = "secret"

[[scrobblers]]
id = "old"
type = "legacy"
enabled = false
url = "http://legacy.example/"
username = "alice"
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected default level info, got %q", cfg.Logging.Level)
	}
	if cfg.Transport.ConnectTimeoutMs != 10000 || cfg.Transport.ResponseTimeoutMs != 0 {
		t.Errorf("unexpected transport defaults: %+v", cfg.Transport)
	}
	if !cfg.History.IsEnabled() || !strings.HasSuffix(cfg.History.Path, "history.db") {
		t.Errorf("unexpected history defaults: %+v", cfg.History)
	}
	if !cfg.Scrobble.IsDurable() || cfg.Scrobble.MinPlayedMs != 30000 {
		t.Errorf("unexpected scrobble defaults: %+v", cfg.Scrobble)
	}

	main, ok := cfg.ScrobblerByID("main")
	if !ok {
		t.Fatal("main scrobbler missing")
	}
	if main.Type != TypeREST || !main.IsEnabled() {
		t.Errorf("unexpected main entry: %+v", main)
	}
	if filepath.Base(main.DataFile) != "scrobbles_main.jsonl" {
		t.Errorf("unexpected data file %q", main.DataFile)
	}

	old, _ := cfg.ScrobblerByID("old")
	if old.ClientID != "tnz" || old.ClientVersion != "0.1" {
		t.Errorf("legacy client defaults missing: %+v", old)
	}
	if got := cfg.EnabledScrobblers(); len(got) != 1 || got[0].ID != "main" {
		t.Errorf("unexpected enabled scrobblers: %+v", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		toml    string
		wantErr bool
	}{
		{"empty config", ``, false},
		{"bad level", "[logging]\nlevel = \"loud\"", true},
		{"negative timeout", "[transport]\nresponse_timeout_ms = -1", true},
		{"missing id", "[[scrobblers]]\ntype = \"rest\"", true},
		{"unknown type", "[[scrobblers]]\nid = \"x\"\ntype = \"carrier-pigeon\"", true},
		{"duplicate id", "[[scrobblers]]\nid = \"x\"\ntype = \"rest\"\n[[scrobblers]]\nid = \"x\"\ntype = \"legacy\"", true},
		{"malformed toml", "[[scrobblers]", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPasswordFromDotEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scrobbler.toml")
	const envName = "TUNEZ_SCROBBLER_TEST_PASSWORD"
	t.Setenv(envName, "")
	os.Unsetenv(envName)

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(envName+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfgPath, []byte(`
[[scrobblers]]
id = "main"
type = "rest"
url = "http://x"
username = "u"
password_env = "`+envName+`"
`), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, path, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if path != cfgPath {
		t.Errorf("unexpected path %q", path)
	}
	if cfg.Scrobblers[0].Password != "from-dotenv" {
		t.Errorf("expected password from .env, got %q", cfg.Scrobblers[0].Password)
	}
}

func TestMalformedDotEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scrobbler.toml")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("TUNEZ_SCROBBLER_BROKEN=\"unterminated\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfgPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	_, _, err := Load(cfgPath)
	if err == nil {
		t.Fatal("expected error for malformed .env")
	}
	if !strings.Contains(err.Error(), ".env") {
		t.Errorf("error should name the .env file: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Fatal("expected error for missing config")
	}
}
