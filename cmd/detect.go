// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/endetect/ennotif/internal/detection"
	"github.com/endetect/ennotif/internal/model"
	"github.com/endetect/ennotif/internal/query"
	"github.com/endetect/ennotif/internal/tekfile"
)

var detectCmd = &cobra.Command{
	Use:   "detect <tek-export-file>...",
	Short: "Run a detection session over one or more TEK export files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(config)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		ctx := context.Background()
		querySession := query.NewSession(st, config.Exposure.toModel(), detection.NoAttenuationGating)
		if err := querySession.EnableCache(ctx); err != nil {
			return err
		}

		detectSession := detection.NewSession(querySession, config.Exposure.toModel())
		now := time.Now()

		for _, path := range args {
			if err := ingestTEKFile(ctx, detectSession, path, now); err != nil {
				slog.Error("failed to ingest TEK export file", "path", path, "err", err)
				continue
			}
		}

		summary := detectSession.GenerateSummary(now)
		exposures := detectSession.ExposureInfo(now)
		return json.NewEncoder(os.Stdout).Encode(detectionOutput{Summary: summary, ExposureRecords: exposures})
	},
}

type detectionOutput struct {
	Summary         model.ExposureSummary  `json:"summary"`
	ExposureRecords []model.ExposureRecord `json:"exposure_records"`
}

func ingestTEKFile(ctx context.Context, session *detection.Session, path string, now time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	reader, err := tekfile.Open(f)
	if err != nil {
		return fmt.Errorf("open tek file %s: %w", path, err)
	}
	return session.IngestFile(ctx, reader, path, now)
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
