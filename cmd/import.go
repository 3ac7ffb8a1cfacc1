package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/pipeline"
	"github.com/openspend/spend-cli/internal/resolver"
)

var (
	importAssetID  int64
	importOrgType  string
	importDryRun   bool
	importTruncate bool
	importFull     bool
)

// fileDownloader serves a local spreadsheet instead of object storage.
type fileDownloader struct {
	path string
}

func (f fileDownloader) Download(_ context.Context, _ string) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	return data, eris.Wrapf(err, "read %s", f.path)
}

var importCmd = &cobra.Command{
	Use:   "import <file.xlsx>",
	Short: "Import a local spend spreadsheet",
	Long:  "Imports a spreadsheet from the local filesystem, bypassing object storage. By default only the import stage runs; --full continues through matching, totals and enrichment.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if importAssetID <= 0 {
			return eris.New("--asset is required and must be positive")
		}
		kind := model.SourceKind(importOrgType)
		src, err := pipeline.SourceFor(kind)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run := &model.Run{
			AssetID:    importAssetID,
			SourceKind: kind,
			DryRun:     importDryRun,
		}
		if !importFull {
			run.FromStage = pipeline.StageImport
			run.ToStage = pipeline.StageImport
		}
		if err := env.Store.CreateRun(ctx, run); err != nil {
			return err
		}
		zap.L().Info("local import started",
			zap.String("run", run.ID),
			zap.String("file", args[0]),
		)

		in := &pipeline.Input{
			Run:      run,
			Source:   src,
			Truncate: importTruncate,
			RC:       resolver.NewContext(),
		}
		if err := env.runner(fileDownloader{path: args[0]}).Execute(ctx, in); err != nil {
			return eris.Wrapf(err, "run %s", run.ID)
		}

		fmt.Printf("Run %s succeeded.\n", run.ID)
		return nil
	},
}

func init() {
	importCmd.Flags().Int64Var(&importAssetID, "asset", 0, "asset id to record the imported rows under")
	importCmd.Flags().StringVar(&importOrgType, "org-type", string(model.SourceHealth), "source type: health, council or central_government")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "parse and resolve without writing spend data")
	importCmd.Flags().BoolVar(&importTruncate, "truncate", false, "delete previously imported data for this asset before importing")
	importCmd.Flags().BoolVar(&importFull, "full", false, "continue through matching, totals and enrichment after importing")

	rootCmd.AddCommand(importCmd)
}
