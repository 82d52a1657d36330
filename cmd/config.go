// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/endetect/ennotif/internal/model"
)

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig configures the advertisement store backend.
type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

func (dc *DatabaseConfig) validate() error {
	if dc.DSN == "" {
		return errors.New("database configuration error: dsn is required")
	}
	dc.Type = strings.ToLower(dc.Type)
	if dc.Type != "sqlite" && dc.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s (must be 'sqlite' or 'postgres')", dc.Type)
	}
	return nil
}

// ExposureConfig is the on-disk shape of model.ExposureConfiguration.
type ExposureConfig struct {
	AttenuationLevelValues           [8]float64 `mapstructure:"attenuation_level_values"`
	DaysSinceLastExposureLevelValues [8]float64 `mapstructure:"days_since_last_exposure_level_values"`
	DurationLevelValues              [8]float64 `mapstructure:"duration_level_values"`
	TransmissionRiskLevelValues      [8]float64 `mapstructure:"transmission_risk_level_values"`

	AttenuationWeight           float64 `mapstructure:"attenuation_weight"`
	DaysSinceLastExposureWeight float64 `mapstructure:"days_since_last_exposure_weight"`
	DurationWeight              float64 `mapstructure:"duration_weight"`
	TransmissionRiskWeight      float64 `mapstructure:"transmission_risk_weight"`

	AttenuationDurationThresholds []uint8 `mapstructure:"attenuation_duration_thresholds"`

	MinimumRiskScore          uint8   `mapstructure:"minimum_risk_score"`
	MinimumRiskScoreFullRange float64 `mapstructure:"minimum_risk_score_full_range"`
}

func (e ExposureConfig) toModel() model.ExposureConfiguration {
	return model.ExposureConfiguration{
		AttenuationLevelValues:           e.AttenuationLevelValues,
		DaysSinceLastExposureLevelValues: e.DaysSinceLastExposureLevelValues,
		DurationLevelValues:              e.DurationLevelValues,
		TransmissionRiskLevelValues:      e.TransmissionRiskLevelValues,
		AttenuationWeight:                e.AttenuationWeight,
		DaysSinceLastExposureWeight:      e.DaysSinceLastExposureWeight,
		DurationWeight:                   e.DurationWeight,
		TransmissionRiskWeight:           e.TransmissionRiskWeight,
		AttenuationDurationThresholds:    e.AttenuationDurationThresholds,
		MinimumRiskScore:                 e.MinimumRiskScore,
		MinimumRiskScoreFullRange:        e.MinimumRiskScoreFullRange,
	}
}

// defaultExposureConfig is the exposure configuration used when a
// config file omits the exposure block entirely: every weight 1, API
// duration thresholds [50, 70], and no minimum risk score.
func defaultExposureConfig() ExposureConfig {
	return ExposureConfig{
		AttenuationLevelValues:           [8]float64{8, 7, 6, 5, 3, 1, 1, 0},
		DaysSinceLastExposureLevelValues: [8]float64{0, 1, 2, 3, 4, 5, 6, 8},
		DurationLevelValues:              [8]float64{0, 1, 2, 3, 4, 5, 6, 8},
		TransmissionRiskLevelValues:      [8]float64{0, 1, 2, 3, 4, 5, 6, 8},
		AttenuationWeight:                1.0,
		DaysSinceLastExposureWeight:      1.0,
		DurationWeight:                   1.0,
		TransmissionRiskWeight:           1.0,
		AttenuationDurationThresholds:    []uint8{50, 70},
		MinimumRiskScore:                 0,
		MinimumRiskScoreFullRange:        0,
	}
}

// AppConfig is the top-level shape of the configuration file.
type AppConfig struct {
	Log      LogConfig      `mapstructure:"log"`
	DB       DatabaseConfig `mapstructure:"db"`
	Exposure ExposureConfig `mapstructure:"exposure"`
}

func decodeConfig() (AppConfig, error) {
	config := AppConfig{
		DB:       DatabaseConfig{Type: viper.GetString("db-type"), DSN: viper.GetString("db-dsn")},
		Exposure: defaultExposureConfig(),
	}

	if viper.IsSet("db") {
		var db DatabaseConfig
		if err := mapstructure.Decode(viper.Get("db"), &db); err != nil {
			return AppConfig{}, fmt.Errorf("failed to decode db config: %w", err)
		}
		config.DB = db
	}
	if viper.IsSet("log") {
		var log LogConfig
		if err := mapstructure.Decode(viper.Get("log"), &log); err != nil {
			return AppConfig{}, fmt.Errorf("failed to decode log config: %w", err)
		}
		config.Log = log
	}
	if viper.IsSet("exposure") {
		var exposure ExposureConfig
		if err := mapstructure.Decode(viper.Get("exposure"), &exposure); err != nil {
			return AppConfig{}, fmt.Errorf("failed to decode exposure config: %w", err)
		}
		config.Exposure = exposure
	}

	if err := config.DB.validate(); err != nil {
		return AppConfig{}, err
	}

	if viper.IsSet("exposure-override") {
		overrides := viper.GetStringMapString("exposure-override")
		if err := applyExposureOverrides(&config.Exposure, overrides); err != nil {
			return AppConfig{}, fmt.Errorf("failed to apply exposure overrides: %w", err)
		}
	}

	return config, nil
}

// applyExposureOverrides decodes a CLI-sourced key=value map onto an
// already-populated ExposureConfig, the same two-phase map decode the
// configuration layer uses for its other free-form sections: values
// that don't appear in overrides keep their existing setting, so a
// caller can tweak a single weight without restating the whole block.
func applyExposureOverrides(base *ExposureConfig, overrides map[string]string) error {
	if len(overrides) == 0 {
		return nil
	}
	raw := make(map[string]interface{}, len(overrides))
	for k, v := range overrides {
		raw[k] = v
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		Result:           base,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}
