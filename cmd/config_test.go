// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func resetState(t *testing.T) {
	t.Helper()
	viper.Reset()
	rootCmd.ResetFlags()
	detectCmd.ResetFlags()
	ingestCmd.ResetFlags()
	purgeCmd.ResetFlags()
	rootCmd.SetArgs(nil)
	logLevel.Set(0)

	rootCmd.PersistentFlags().String("config", "", "Pathname of the configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Print debug log output")
	rootCmd.PersistentFlags().String("db-type", "sqlite", "Advertisement store database type: sqlite or postgres")
	rootCmd.PersistentFlags().String("db-dsn", "", "Advertisement store DSN (file path for sqlite, connection string for postgres)")
	rootCmd.PersistentFlags().StringToString("exposure-override", nil, "Per-field exposure configuration overrides")
}

func writeTOMLConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(p, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeYAMLConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDatabaseConfigValidateRequiresDSN(t *testing.T) {
	dc := DatabaseConfig{Type: "sqlite"}
	if err := dc.validate(); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestDatabaseConfigValidateRejectsUnknownType(t *testing.T) {
	dc := DatabaseConfig{Type: "mysql", DSN: "file:test.db"}
	if err := dc.validate(); err == nil {
		t.Fatal("expected error for unsupported database type")
	}
}

func TestDatabaseConfigValidateNormalizesCase(t *testing.T) {
	dc := DatabaseConfig{Type: "SQLite", DSN: "file:test.db"}
	if err := dc.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dc.Type != "sqlite" {
		t.Fatalf("Type=%q, want %q", dc.Type, "sqlite")
	}
}

func TestDecodeConfig_DefaultsExposureWhenSectionMissing(t *testing.T) {
	resetState(t)
	viper.Set("db-type", "sqlite")
	viper.Set("db-dsn", "file:defaults.db")

	config, err := decodeConfig()
	if err != nil {
		t.Fatalf("decodeConfig failed: %v", err)
	}
	if config.DB.Type != "sqlite" {
		t.Fatalf("DB.Type=%q, want %q", config.DB.Type, "sqlite")
	}
	if config.DB.DSN != "file:defaults.db" {
		t.Fatalf("DB.DSN=%q, want %q", config.DB.DSN, "file:defaults.db")
	}
	want := defaultExposureConfig()
	if config.Exposure.AttenuationWeight != want.AttenuationWeight {
		t.Fatalf("Exposure.AttenuationWeight=%v, want %v", config.Exposure.AttenuationWeight, want.AttenuationWeight)
	}
}

func TestDecodeConfig_TOMLOverridesExposureSection(t *testing.T) {
	resetState(t)

	cfg := `
[db]
type = "postgres"
dsn = "host=db user=app dbname=ennotif"
[exposure]
attenuation_weight = 2.0
minimum_risk_score = 5
attenuation_duration_thresholds = [30, 60]
`
	path := writeTOMLConfig(t, cfg)
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig failed: %v", err)
	}

	config, err := decodeConfig()
	if err != nil {
		t.Fatalf("decodeConfig failed: %v", err)
	}
	if config.DB.Type != "postgres" {
		t.Fatalf("DB.Type=%q, want %q", config.DB.Type, "postgres")
	}
	if config.Exposure.AttenuationWeight != 2.0 {
		t.Fatalf("Exposure.AttenuationWeight=%v, want 2.0", config.Exposure.AttenuationWeight)
	}
	if config.Exposure.MinimumRiskScore != 5 {
		t.Fatalf("Exposure.MinimumRiskScore=%v, want 5", config.Exposure.MinimumRiskScore)
	}
	if len(config.Exposure.AttenuationDurationThresholds) != 2 {
		t.Fatalf("AttenuationDurationThresholds=%v, want length 2", config.Exposure.AttenuationDurationThresholds)
	}
}

func TestDecodeConfig_YAMLRoundTrip(t *testing.T) {
	resetState(t)

	cfg := `
log:
  level: "debug"
db:
  type: "sqlite"
  dsn: "file:yaml-test.db"
`
	path := writeYAMLConfig(t, cfg)
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig failed: %v", err)
	}

	config, err := decodeConfig()
	if err != nil {
		t.Fatalf("decodeConfig failed: %v", err)
	}
	if config.Log.Level != "debug" {
		t.Fatalf("Log.Level=%q, want %q", config.Log.Level, "debug")
	}
	if config.DB.DSN != "file:yaml-test.db" {
		t.Fatalf("DB.DSN=%q, want %q", config.DB.DSN, "file:yaml-test.db")
	}
}

func TestDecodeConfig_RejectsMissingDSN(t *testing.T) {
	resetState(t)
	viper.Set("db-type", "sqlite")

	if _, err := decodeConfig(); err == nil {
		t.Fatal("expected error for missing dsn")
	}
}

func TestApplyExposureOverridesUpdatesOnlyGivenFields(t *testing.T) {
	base := defaultExposureConfig()
	err := applyExposureOverrides(&base, map[string]string{
		"attenuation_weight":              "2.5",
		"minimum_risk_score":              "5",
		"attenuation_duration_thresholds": "30,60",
	})
	if err != nil {
		t.Fatalf("applyExposureOverrides: %v", err)
	}
	if base.AttenuationWeight != 2.5 {
		t.Fatalf("AttenuationWeight=%v, want 2.5", base.AttenuationWeight)
	}
	if base.MinimumRiskScore != 5 {
		t.Fatalf("MinimumRiskScore=%v, want 5", base.MinimumRiskScore)
	}
	if len(base.AttenuationDurationThresholds) != 2 || base.AttenuationDurationThresholds[0] != 30 {
		t.Fatalf("AttenuationDurationThresholds=%v, want [30 60]", base.AttenuationDurationThresholds)
	}
	if base.DurationWeight != 1.0 {
		t.Fatalf("DurationWeight=%v, want unchanged default 1.0", base.DurationWeight)
	}
}

func TestApplyExposureOverridesEmptyIsNoop(t *testing.T) {
	base := defaultExposureConfig()
	want := defaultExposureConfig()
	if err := applyExposureOverrides(&base, nil); err != nil {
		t.Fatalf("applyExposureOverrides: %v", err)
	}
	if base.AttenuationWeight != want.AttenuationWeight || base.MinimumRiskScore != want.MinimumRiskScore {
		t.Fatalf("base changed on empty overrides: %+v", base)
	}
}

func TestExposureConfig_ToModelPreservesFields(t *testing.T) {
	e := defaultExposureConfig()
	m := e.toModel()
	if m.AttenuationWeight != e.AttenuationWeight {
		t.Fatalf("AttenuationWeight mismatch: %v != %v", m.AttenuationWeight, e.AttenuationWeight)
	}
	if len(m.AttenuationDurationThresholds) != len(e.AttenuationDurationThresholds) {
		t.Fatalf("AttenuationDurationThresholds length mismatch")
	}
	if m.MinimumRiskScore != e.MinimumRiskScore {
		t.Fatalf("MinimumRiskScore mismatch")
	}
}
