// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/endetect/ennotif/internal/model"
	"github.com/endetect/ennotif/internal/store"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete advertisement rows past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		olderThan, err := cmd.Flags().GetDuration("older-than")
		if err != nil {
			return err
		}

		st, err := openStore(config)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		cutoff := time.Now().Add(-olderThan).Unix()
		n, err := st.Purge(context.Background(), cutoff)
		if err != nil {
			return err
		}
		slog.Info("purged advertisement rows", "count", n, "cutoff", cutoff, "older_than", olderThan)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().Duration("older-than", model.RetentionWindow, "Delete rows older than this duration")
}
