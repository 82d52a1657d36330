// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"hermannm.dev/devlog"

	"github.com/endetect/ennotif/internal/store"
)

var logLevel slog.LevelVar

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "ennotif",
	Short: "On-device Exposure Notification detection core",
	Long: `ennotif drives the Exposure Notification detection core: it
ingests raw Bluetooth advertisement observations, matches them against
Temporary Exposure Key export files, and reports risk-scored exposure
summaries.`,
}

// Execute adds all child commands to the root command and runs it.
// This is called by main.main() and only needs to happen once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().String("config", "", "Pathname of the configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Print debug log output")
	rootCmd.PersistentFlags().String("db-type", "sqlite", "Advertisement store database type: sqlite or postgres")
	rootCmd.PersistentFlags().String("db-dsn", "en_advertisements.db", "Advertisement store DSN (file path for sqlite, connection string for postgres)")
	rootCmd.PersistentFlags().StringToString("exposure-override", nil, "Per-field exposure configuration overrides, e.g. attenuation_weight=2.0,minimum_risk_score=5")
}

// loadConfig binds the command's flags into viper, reads the config
// file if one was given, and decodes the merged result into an
// AppConfig.
func loadConfig(cmd *cobra.Command) (AppConfig, error) {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return AppConfig{}, err
	}

	configFilePath, err := cmd.Flags().GetString("config")
	if err != nil {
		return AppConfig{}, err
	}
	if configFilePath != "" {
		slog.Debug("loading configuration file", "path", configFilePath)
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return AppConfig{}, err
		}
	}

	if viper.GetBool("debug") {
		logLevel.Set(slog.LevelDebug)
	}

	return decodeConfig()
}

// openStore opens the advertisement store described by the resolved
// configuration.
func openStore(config AppConfig) (*store.Store, error) {
	return store.Open(config.DB.Type, config.DB.DSN)
}
