package config

import (
	"os"
	"testing"
)

func TestLoad_MissingDatabaseURL(t *testing.T) {
	original, had := os.LookupEnv("DATABASE_URL")
	os.Unsetenv("DATABASE_URL")
	defer func() {
		if had {
			os.Setenv("DATABASE_URL", original)
		}
	}()
	if _, err := Load(); err == nil {
		t.Fatal("expected an error when DATABASE_URL is unset")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Reconciler.AmountToleranceCents != 50 {
		t.Errorf("AmountToleranceCents = %d, want 50", cfg.Reconciler.AmountToleranceCents)
	}
	if cfg.Reconciler.ConfidenceThreshold != 75 {
		t.Errorf("ConfidenceThreshold = %d, want 75", cfg.Reconciler.ConfidenceThreshold)
	}
	if cfg.Port != "5339" {
		t.Errorf("Port = %q, want 5339", cfg.Port)
	}
}

func TestLoad_RejectsOutOfRangeThreshold(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("CONFIDENCE_THRESHOLD", "5")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for confidence_threshold below 10")
	}
}

func TestLoad_RejectsScanIntervalBelowMinimum(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("SCAN_INTERVAL_MINUTES", "5")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for scan_interval_minutes below 15")
	}
}
