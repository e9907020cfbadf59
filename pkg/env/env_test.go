package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	// Simulate structure: tmpDir/.env (root) and tmpDir/services/app/.env (local)
	appDir := filepath.Join(tmpDir, "services", "app")
	if err := os.MkdirAll(appDir, 0755); err != nil {
		t.Fatalf("Failed to create app dir: %v", err)
	}

	rootEnvPath := filepath.Join(tmpDir, ".env")
	localEnvPath := filepath.Join(appDir, ".env")

	tests := []struct {
		name         string
		rootContent  string
		localContent string
		wantVars     map[string]string
	}{
		{
			name:         "Load from both",
			rootContent:  "BAO_ADDR=http://root:8200\nSECRETS_PATH=root",
			localContent: "BAO_TOKEN=local-token\nSECRETS_PATH=invoice",
			wantVars: map[string]string{
				"BAO_ADDR":     "http://root:8200",
				"BAO_TOKEN":    "local-token",
				"SECRETS_PATH": "invoice", // Local loaded first, godotenv doesn't overwrite
			},
		},
		{
			name:        "Only root exists",
			rootContent: "SECRETS_MOUNT=kv",
			wantVars: map[string]string{
				"SECRETS_MOUNT": "kv",
			},
		},
		{
			name:         "Only local exists",
			localContent: "SECRETS_REFRESH_INTERVAL=30s",
			wantVars: map[string]string{
				"SECRETS_REFRESH_INTERVAL": "30s",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Remove(rootEnvPath)
			os.Remove(localEnvPath)
			for k := range tt.wantVars {
				t.Setenv(k, "")
				os.Unsetenv(k)
			}

			if tt.rootContent != "" {
				os.WriteFile(rootEnvPath, []byte(tt.rootContent), 0644)
			}
			if tt.localContent != "" {
				os.WriteFile(localEnvPath, []byte(tt.localContent), 0644)
			}

			originalWD, _ := os.Getwd()
			if err := os.Chdir(appDir); err != nil {
				t.Fatalf("Failed to change directory: %v", err)
			}
			defer os.Chdir(originalWD)

			Load()

			for k, want := range tt.wantVars {
				if got := os.Getenv(k); got != want {
					t.Errorf("Variable %s: got %q, want %q", k, got, want)
				}
			}
		})
	}
}

func TestLoadExplicitPathDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.env")
	if err := os.WriteFile(path, []byte("SECRETS_PATH=from-file"), 0644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SECRETS_PATH", "from-process")

	Load(path)

	if got := os.Getenv("SECRETS_PATH"); got != "from-process" {
		t.Errorf("SECRETS_PATH = %q, want process value to win", got)
	}
}

func TestGetAndDuration(t *testing.T) {
	t.Setenv("ENV_TEST_STRING", "value")
	t.Setenv("ENV_TEST_DURATION", "45s")
	t.Setenv("ENV_TEST_BAD_DURATION", "soon")

	if got := Get("ENV_TEST_STRING", "fallback"); got != "value" {
		t.Errorf("Get = %q, want value", got)
	}
	if got := Get("ENV_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("Get missing = %q, want fallback", got)
	}
	if got := Duration("ENV_TEST_DURATION", time.Second); got != 45*time.Second {
		t.Errorf("Duration = %v, want 45s", got)
	}
	if got := Duration("ENV_TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("Duration invalid = %v, want fallback", got)
	}
	if got := Duration("ENV_TEST_MISSING", 2*time.Second); got != 2*time.Second {
		t.Errorf("Duration missing = %v, want fallback", got)
	}
}
