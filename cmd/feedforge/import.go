package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/feedforge/internal/importer"
	"github.com/lvonguyen/feedforge/internal/ingest"
	"github.com/lvonguyen/feedforge/internal/intel"
	"github.com/lvonguyen/feedforge/internal/store"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed, color.Bold)
)

const importTimeout = 5 * time.Minute

func newImportCmd() *cobra.Command {
	var (
		format      string
		defaultType string
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Bulk import IOCs from a JSON, CSV or plain-text file",
		Long: `Import IOCs straight into the store as a manual-import run.

The format is taken from --format, or from the file extension when omitted.
Use "-" to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), importTimeout)
			defer cancel()

			if format == "" {
				format = formatFromPath(args[0])
			}
			f, err := importer.ParseFormat(format)
			if err != nil {
				return err
			}
			var opts importer.Options
			if defaultType != "" {
				t, ok := intel.ParseType(defaultType)
				if !ok {
					return intel.ValidationError("unsupported IOC type %q", defaultType)
				}
				opts.DefaultType = t
			}

			raw, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := newTelemetry(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			logger := tel.Logger()
			defer tel.Shutdown(context.WithoutCancel(ctx))

			st, err := store.Open(ctx, cfg.Database.Path, logger)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer st.Close()

			tracker := ingest.NewTracker(st, ingest.WithLogger(logger))
			imp := importer.New(st, tracker,
				importer.WithBeginTimeout(cfg.Import.BeginTimeout),
				importer.WithLogger(logger))

			res, err := imp.Import(ctx, f, raw, opts)
			if err != nil {
				logger.Error("Import failed", zap.String("file", args[0]), zap.Error(err))
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			printResult(out, res)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Payload format: json, csv or plain")
	cmd.Flags().StringVar(&defaultType, "default-type", "", "IOC type for plain lines (default ip)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	return cmd
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".csv":
		return "csv"
	default:
		return "plain"
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return raw, nil
}

func printResult(w io.Writer, res importer.Result) {
	successColor.Fprintf(w, "✓ Import finished (run %s)\n", res.RunID)
	fmt.Fprintf(w, "  Created: %d\n", res.Created)
	fmt.Fprintf(w, "  Updated: %d\n", res.Updated)
	if len(res.Errors) == 0 {
		return
	}
	warningColor.Fprintf(w, "  Rejected: %d\n", len(res.Errors))
	for _, e := range res.Errors {
		errorColor.Fprintf(w, "    row %d", e.Row)
		if e.Value != "" {
			fmt.Fprintf(w, " (%s)", e.Value)
		}
		fmt.Fprintf(w, ": %s\n", e.Reason)
	}
}
