package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sampleConfig struct {
	Name    string `envconfig:"NAME" required:"true"`
	Workers int    `split_words:"true" default:"2"`
}

func (c sampleConfig) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be positive")
	}
	return nil
}

func TestNewDecodesAndValidates(t *testing.T) {
	t.Setenv("CFGTEST_NAME", "storyweave")

	conf, err := New[sampleConfig]("CFGTEST")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if conf.Name != "storyweave" || conf.Workers != 2 {
		t.Fatalf("unexpected config: %#v", conf)
	}

	t.Setenv("CFGTEST_WORKERS", "0")
	_, err = New[sampleConfig]("CFGTEST")
	if err == nil || !strings.Contains(err.Error(), "invalid cfgtest config") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNewRequiredField(t *testing.T) {
	t.Setenv("CFGMISSING_NAME", "")

	if _, err := New[sampleConfig]("CFGMISSING"); err == nil {
		t.Fatal("expected error for missing required field")
	}
}

func TestExportEnvironment(t *testing.T) {
	t.Setenv("CFGTEST_FROM_FILE", "")

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CFGTEST_FROM_FILE=hello\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if err := exportEnvironment(path); err != nil {
		t.Fatalf("exportEnvironment() error = %v", err)
	}
	if got := os.Getenv("CFGTEST_FROM_FILE"); got != "hello" {
		t.Fatalf("CFGTEST_FROM_FILE = %q, want hello", got)
	}
}

func TestExportEnvironmentIfExistsIgnoresMissingFile(t *testing.T) {
	if err := exportEnvironmentIfExists(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("exportEnvironmentIfExists() error = %v", err)
	}
}
