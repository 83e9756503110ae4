package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	// Set required environment variables
	os.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	os.Setenv("JWT_SECRET", "test-secret")
	defer func() {
		os.Unsetenv("MYSQL_DSN")
		os.Unsetenv("JWT_SECRET")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.MySQL.DSN == "" {
		t.Error("MySQL DSN should not be empty")
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("Expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}

	if cfg.AutoMove.EmailActivityDays != 30 {
		t.Errorf("Expected default activity window 30, got %d", cfg.AutoMove.EmailActivityDays)
	}

	if cfg.AutoMove.MaxFailingDays != 30 {
		t.Errorf("Expected default failing window 30, got %d", cfg.AutoMove.MaxFailingDays)
	}

	if !cfg.AutoCreateCycles {
		t.Error("Expected cycle auto-creation enabled by default")
	}
}

func TestLoad_MissingMySQLDSN(t *testing.T) {
	// Ensure MYSQL_DSN is not set
	os.Unsetenv("MYSQL_DSN")
	os.Setenv("JWT_SECRET", "test-secret")
	defer os.Unsetenv("JWT_SECRET")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when MYSQL_DSN is missing")
	}
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	os.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/test")
	os.Unsetenv("JWT_SECRET")
	defer os.Unsetenv("MYSQL_DSN")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when JWT_SECRET is missing")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("MYSQL_DSN", "custom:dsn@tcp(localhost:3306)/custom")
	os.Setenv("JWT_SECRET", "test-secret")
	os.Setenv("ARCHIVES_SERVER", "archives.internal")
	os.Setenv("ARCHIVES_PORT", "8080")
	os.Setenv("AUTO_MOVE_EMAIL_ACTIVITY_DAYS", "14")
	os.Setenv("AUTO_CREATE_CYCLES", "0")

	defer func() {
		os.Unsetenv("MYSQL_DSN")
		os.Unsetenv("JWT_SECRET")
		os.Unsetenv("ARCHIVES_SERVER")
		os.Unsetenv("ARCHIVES_PORT")
		os.Unsetenv("AUTO_MOVE_EMAIL_ACTIVITY_DAYS")
		os.Unsetenv("AUTO_CREATE_CYCLES")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Archives.Server != "archives.internal" {
		t.Errorf("Expected custom archives server, got %s", cfg.Archives.Server)
	}

	if cfg.Archives.Port != 8080 {
		t.Errorf("Expected archives port 8080, got %d", cfg.Archives.Port)
	}

	if cfg.AutoMove.EmailActivityDays != 14 {
		t.Errorf("Expected activity window 14, got %d", cfg.AutoMove.EmailActivityDays)
	}

	if cfg.AutoCreateCycles {
		t.Error("Expected cycle auto-creation disabled")
	}
}

func TestLoadFromINI(t *testing.T) {
	iniContent := `[mysql]
dsn = ini:dsn@tcp(localhost:3306)/cf

[archives]
server = archives.example.net
port = 443

[automove]
email_activity_days = 7
max_failing_days = 60

[server]
auto_create_cycles = 0
`
	path := filepath.Join(t.TempDir(), "cfcron.ini")
	if err := os.WriteFile(path, []byte(iniContent), 0o600); err != nil {
		t.Fatalf("Failed to write INI file: %v", err)
	}

	cfg, err := LoadFromINI(path)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	if cfg.MySQL.DSN != "ini:dsn@tcp(localhost:3306)/cf" {
		t.Errorf("Expected INI DSN, got %s", cfg.MySQL.DSN)
	}

	if cfg.Archives.Server != "archives.example.net" {
		t.Errorf("Expected INI archives server, got %s", cfg.Archives.Server)
	}

	if cfg.AutoMove.EmailActivityDays != 7 {
		t.Errorf("Expected activity window 7, got %d", cfg.AutoMove.EmailActivityDays)
	}

	if cfg.AutoMove.MaxFailingDays != 60 {
		t.Errorf("Expected failing window 60, got %d", cfg.AutoMove.MaxFailingDays)
	}

	if cfg.AutoCreateCycles {
		t.Error("Expected cycle auto-creation disabled")
	}
}

func TestLoadFromINI_EnvOverride(t *testing.T) {
	iniContent := `[mysql]
dsn = ini:dsn@tcp(localhost:3306)/cf

[automove]
email_activity_days = 7
`
	path := filepath.Join(t.TempDir(), "cfcron.ini")
	if err := os.WriteFile(path, []byte(iniContent), 0o600); err != nil {
		t.Fatalf("Failed to write INI file: %v", err)
	}

	os.Setenv("AUTO_MOVE_EMAIL_ACTIVITY_DAYS", "21")
	defer os.Unsetenv("AUTO_MOVE_EMAIL_ACTIVITY_DAYS")

	cfg, err := LoadFromINI(path)
	if err != nil {
		t.Fatalf("LoadFromINI() failed: %v", err)
	}

	// Environment wins over the INI file
	if cfg.AutoMove.EmailActivityDays != 21 {
		t.Errorf("Expected activity window 21 from environment, got %d", cfg.AutoMove.EmailActivityDays)
	}
}

func TestLoadFromINI_MissingFile(t *testing.T) {
	_, err := LoadFromINI("/nonexistent/cfcron.ini")
	if err == nil {
		t.Error("Expected error for missing INI file")
	}
}
