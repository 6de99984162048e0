package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileIsNoop(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("Load missing file error: %v", err)
	}
}

func TestLoad_ParsesAndPreservesExisting(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "" +
		"# comment\n" +
		"RELAY_ADDR=:9090\n" +
		"RELAY_DATABASE_URL=\"postgres://relay:pw@localhost/relay\"\n" +
		"export RELAY_REDIS_URL=redis://localhost:6379\n" +
		"RELAY_QUOTA_FAIL_OPEN=true # keep sessions flowing\n" +
		"EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("EXISTING", "already_set")
	for _, key := range []string{"RELAY_ADDR", "RELAY_DATABASE_URL", "RELAY_REDIS_URL", "RELAY_QUOTA_FAIL_OPEN"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := Load(envPath); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if got := os.Getenv("RELAY_ADDR"); got != ":9090" {
		t.Fatalf("RELAY_ADDR=%q", got)
	}
	if got := os.Getenv("RELAY_DATABASE_URL"); got != "postgres://relay:pw@localhost/relay" {
		t.Fatalf("RELAY_DATABASE_URL=%q", got)
	}
	if got := os.Getenv("RELAY_REDIS_URL"); got != "redis://localhost:6379" {
		t.Fatalf("RELAY_REDIS_URL=%q", got)
	}
	if got := os.Getenv("RELAY_QUOTA_FAIL_OPEN"); got != "true" {
		t.Fatalf("RELAY_QUOTA_FAIL_OPEN=%q, want inline comment stripped", got)
	}
	if got := os.Getenv("EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoad_EarlierFileWins(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, ".env")
	second := filepath.Join(dir, ".env.defaults")
	os.WriteFile(first, []byte("LAYERED=first\n"), 0o600)
	os.WriteFile(second, []byte("LAYERED=second\n"), 0o600)

	t.Setenv("LAYERED", "")
	os.Unsetenv("LAYERED")

	if err := Load(first, second); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := os.Getenv("LAYERED"); got != "first" {
		t.Fatalf("LAYERED=%q, want first file to win", got)
	}
}
