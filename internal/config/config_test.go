package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/beatreel")
	t.Setenv("GEN_BACKEND_KEY", "gen-key")
	t.Setenv("MEDIA_KEY", "media-key")
	t.Setenv("MEDIA_SECRET", "media-secret")
	t.Setenv("SUPABASE_URL", "https://project.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.VideoPollInterval != 10*time.Second || cfg.VideoPollBudget != 30*time.Minute {
		t.Errorf("unexpected video poll policy: %v / %v", cfg.VideoPollInterval, cfg.VideoPollBudget)
	}
	if cfg.FramePollBudget != 120*time.Second {
		t.Errorf("expected 120s frame budget, got %v", cfg.FramePollBudget)
	}
	if cfg.RecoveryWindow != 30*time.Minute {
		t.Errorf("expected 30m recovery window, got %v", cfg.RecoveryWindow)
	}
	if cfg.AssemblyBaseDelay != 2*time.Second || cfg.AssemblyMaxAttempts != 3 {
		t.Errorf("unexpected assembly retry settings: %v x%d", cfg.AssemblyBaseDelay, cfg.AssemblyMaxAttempts)
	}
	if cfg.BillingBypass {
		t.Error("billing bypass must default to off")
	}
}

func TestLoadDurationOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("VIDEO_POLL_INTERVAL", "5s")
	t.Setenv("RECOVERY_MIN_AGE", "90")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.VideoPollInterval != 5*time.Second {
		t.Errorf("expected 5s, got %v", cfg.VideoPollInterval)
	}
	if cfg.RecoveryMinAge != 90*time.Second {
		t.Errorf("expected plain seconds to parse, got %v", cfg.RecoveryMinAge)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"missing database", map[string]string{"DATABASE_URL": ""}, "DATABASE_URL"},
		{"unknown storage", map[string]string{"STORAGE_BACKEND": "s3"}, "STORAGE_BACKEND"},
		{"gcs without bucket", map[string]string{"STORAGE_BACKEND": "gcs"}, "GCS_BUCKET"},
		{"inverted recovery window", map[string]string{"RECOVERY_MIN_AGE": "40m"}, "RECOVERY_MIN_AGE"},
		{"lease shorter than video budget", map[string]string{"PIPELINE_BEAT_LEASE": "10m"}, "PIPELINE_BEAT_LEASE"},
		{"speed below one", map[string]string{"SPEECH_MAX_SPEED": "0.8"}, "SPEECH_MAX_SPEED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
