package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"secrets-hub/pkg/config"
	"secrets-hub/pkg/secrets"
)

func TestRootCommand_Version(t *testing.T) {
	cmd := newRootCommand(&App{})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out.String(), "secrets-agent dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRootCommand_Check(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")

	var gotPath string
	app := &App{
		ConfigFn: func(path string) (*config.Config, error) {
			gotPath = path
			return testConfig(), nil
		},
		ClientFn: func(cfg *config.Config) (secrets.Client, error) {
			return &mockClient{values: invoiceValues()}, nil
		},
	}

	cmd := newRootCommand(app)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", "agent.yaml", "check"})

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if gotPath != "agent.yaml" {
		t.Errorf("config path = %q, want agent.yaml", gotPath)
	}
	if !strings.Contains(out.String(), "username") {
		t.Errorf("output = %q", out.String())
	}
}
