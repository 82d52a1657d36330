// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/endetect/ennotif/internal/model"
	"github.com/endetect/ennotif/internal/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <advertisements.jsonl>",
	Short: "Insert newline-delimited JSON advertisement records into the store",
	Args:  cobra.ExactArgs(1),
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

		return ingestAdvertisementFile(context.Background(), st, args[0])
	},
}

// jsonAdvertisement is the on-disk shape of one advertisement line: RPI
// and AEM are hex strings since their wire types are fixed-size byte
// arrays with no natural JSON representation.
type jsonAdvertisement struct {
	RPI          string `json:"rpi"`
	EncryptedAEM string `json:"encrypted_aem"`
	Timestamp    int64  `json:"timestamp"`
	ScanInterval uint16 `json:"scan_interval"`
	RSSI         int8   `json:"rssi"`
	Saturated    bool   `json:"saturated"`
	Counter      uint8  `json:"counter"`
}

func (j jsonAdvertisement) toRecord() (model.AdvertisementRecord, error) {
	var rec model.AdvertisementRecord

	rpiBytes, err := hex.DecodeString(j.RPI)
	if err != nil || len(rpiBytes) != model.KeyLength {
		return rec, fmt.Errorf("rpi must be %d hex-encoded bytes", model.KeyLength)
	}
	copy(rec.RPI[:], rpiBytes)

	aemBytes, err := hex.DecodeString(j.EncryptedAEM)
	if err != nil || len(aemBytes) != model.AEMLength {
		return rec, fmt.Errorf("encrypted_aem must be %d hex-encoded bytes", model.AEMLength)
	}
	copy(rec.EncryptedAEM[:], aemBytes)

	rec.Timestamp = j.Timestamp
	rec.ScanInterval = j.ScanInterval
	rec.RSSI = j.RSSI
	rec.Saturated = j.Saturated
	rec.Counter = j.Counter
	return rec, nil
}

// ingestAdvertisementFile reads one JSON advertisement record per line
// from path and inserts each into st. A malformed line is logged and
// skipped rather than aborting the rest of the file.
func ingestAdvertisementFile(ctx context.Context, st *store.Store, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var inserted, skipped int
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry jsonAdvertisement
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Debug("skipping malformed advertisement line", "path", path, "line", lineNum, "err", err)
			skipped++
			continue
		}
		rec, err := entry.toRecord()
		if err != nil {
			slog.Debug("skipping invalid advertisement line", "path", path, "line", lineNum, "err", err)
			skipped++
			continue
		}
		if err := st.Insert(ctx, rec); err != nil {
			return fmt.Errorf("insert line %d: %w", lineNum, err)
		}
		inserted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	slog.Info("ingested advertisement file", "path", path, "inserted", inserted, "skipped", skipped)
	return nil
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}
