package config

import "testing"

func TestValidate(t *testing.T) {
	t.Run("accepts a well-formed config", func(t *testing.T) {
		cfg := Default()
		cfg.Models["a"] = ModelConfig{RPM: 10}
		cfg.JobTypes["chat"] = JobTypeConfig{Ratio: RatioConfig{InitialValue: 1.0}}
		cfg.Escalation["chat"] = []string{"a"}

		if err := cfg.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("rejects escalation for an undeclared job type", func(t *testing.T) {
		cfg := Default()
		cfg.Models["a"] = ModelConfig{RPM: 10}
		cfg.Escalation["ghost"] = []string{"a"}

		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error for escalation naming an undeclared job type")
		}
	})

	t.Run("rejects escalation referencing an undeclared model", func(t *testing.T) {
		cfg := Default()
		cfg.JobTypes["chat"] = JobTypeConfig{Ratio: RatioConfig{InitialValue: 1.0}}
		cfg.Escalation["chat"] = []string{"ghost-model"}

		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error for escalation referencing an undeclared model")
		}
	})

	t.Run("rejects a negative ratio", func(t *testing.T) {
		cfg := Default()
		cfg.JobTypes["chat"] = JobTypeConfig{Ratio: RatioConfig{InitialValue: -0.5}}

		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error for a negative job type ratio")
		}
	})

	t.Run("rejects ratios that do not sum near 1.0", func(t *testing.T) {
		cfg := Default()
		cfg.JobTypes["a"] = JobTypeConfig{Ratio: RatioConfig{InitialValue: 0.2}}
		cfg.JobTypes["b"] = JobTypeConfig{Ratio: RatioConfig{InitialValue: 0.2}}

		if err := cfg.Validate(); err == nil {
			t.Fatal("expected an error when ratios sum far from 1.0")
		}
	})
}

func TestGetDSN(t *testing.T) {
	t.Run("prefers an explicit DSN", func(t *testing.T) {
		d := DatabaseConfig{DSN: "postgres://explicit"}
		if got := d.GetDSN(); got != "postgres://explicit" {
			t.Fatalf("expected the explicit DSN to win, got %q", got)
		}
	})

	t.Run("builds a DSN from parts when none is set", func(t *testing.T) {
		d := DatabaseConfig{Host: "localhost", Port: 5432, User: "u", Password: "p", Database: "db", SSLMode: "disable"}
		got := d.GetDSN()
		want := "host=localhost port=5432 user=u password=p dbname=db sslmode=disable"
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	})
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg := LoadOrDefault("")
		if cfg.Database.Driver != "memory" {
			t.Fatalf("expected the default memory driver, got %q", cfg.Database.Driver)
		}
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg := LoadOrDefault("/nonexistent/path/ratelimiter.toml")
		if cfg.Database.Driver != "memory" {
			t.Fatalf("expected the default memory driver on load failure, got %q", cfg.Database.Driver)
		}
	})
}
