package config

import "testing"

func TestDefault_MatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()

	if cfg.DBType != "sqlite" {
		t.Errorf("expected default DBType sqlite, got %q", cfg.DBType)
	}
	if cfg.MinInstances != 1 || cfg.MaxInstances != 10 {
		t.Errorf("expected min=1 max=10 engine instances, got min=%d max=%d", cfg.MinInstances, cfg.MaxInstances)
	}
	if cfg.InstanceQueue != 100 {
		t.Errorf("expected a 100-deep instance queue, got %d", cfg.InstanceQueue)
	}
	if cfg.SessionTimeout.Seconds() != 600 {
		t.Errorf("expected a 600s session timeout, got %s", cfg.SessionTimeout)
	}
	if cfg.GameInactivityLimit.Seconds() != 1800 {
		t.Errorf("expected a 1800s game inactivity limit, got %s", cfg.GameInactivityLimit)
	}
	if cfg.MatchmakingStale.Seconds() != 300 {
		t.Errorf("expected a 300s matchmaking staleness threshold, got %s", cfg.MatchmakingStale)
	}

	if err := validate(cfg); err != nil {
		t.Errorf("expected the default config to validate cleanly, got %v", err)
	}
}

func TestValidate_RejectsUnknownDBType(t *testing.T) {
	cfg := Default()
	cfg.DBType = "mysql"
	if err := validate(cfg); err == nil {
		t.Errorf("expected an unrecognized DB_TYPE to be rejected")
	}
}

func TestValidate_RejectsMaxBelowMinInstances(t *testing.T) {
	cfg := Default()
	cfg.MinInstances = 5
	cfg.MaxInstances = 2
	if err := validate(cfg); err == nil {
		t.Errorf("expected MAX_INSTANCES < MIN_INSTANCES to be rejected")
	}
}

func TestValidate_RejectsNonPositiveInstanceQueue(t *testing.T) {
	cfg := Default()
	cfg.InstanceQueue = 0
	if err := validate(cfg); err == nil {
		t.Errorf("expected a zero INSTANCE_QUEUE to be rejected")
	}

	cfg.InstanceQueue = -1
	if err := validate(cfg); err == nil {
		t.Errorf("expected a negative INSTANCE_QUEUE to be rejected")
	}
}
