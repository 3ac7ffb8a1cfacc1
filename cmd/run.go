package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/pipeline"
)

var (
	runAssetID   int64
	runOrgType   string
	runDryRun    bool
	runFromStage string
	runToStage   string
	runTruncate  bool
	runParams    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the ingestion pipeline for one uploaded asset",
	Long:  "Creates a pipeline run for the given asset and drives it through import, supplier matching, totals refresh and location enrichment. --from-stage/--to-stage restrict the run to an inclusive stage range.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		run, err := buildRun()
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.CreateRun(ctx, run); err != nil {
			return err
		}
		zap.L().Info("run created",
			zap.String("run", run.ID),
			zap.Int64("asset", run.AssetID),
			zap.String("source", string(run.SourceKind)),
		)

		if err := env.execute(ctx, run); err != nil {
			return eris.Wrapf(err, "run %s", run.ID)
		}

		fmt.Printf("Run %s succeeded.\n", run.ID)
		return nil
	},
}

// buildRun assembles a run record from the command flags.
func buildRun() (*model.Run, error) {
	if runAssetID <= 0 {
		return nil, eris.New("--asset is required and must be positive")
	}
	kind := model.SourceKind(runOrgType)
	if _, err := pipeline.SourceFor(kind); err != nil {
		return nil, err
	}

	params := map[string]any{}
	if runParams != "" {
		if err := yaml.Unmarshal([]byte(runParams), &params); err != nil {
			return nil, eris.Wrap(err, "parse --params")
		}
	}
	if runTruncate {
		params["truncate"] = true
	}
	if len(params) == 0 {
		params = nil
	}

	return &model.Run{
		AssetID:    runAssetID,
		SourceKind: kind,
		DryRun:     runDryRun,
		FromStage:  runFromStage,
		ToStage:    runToStage,
		Params:     params,
	}, nil
}

func init() {
	runCmd.Flags().Int64Var(&runAssetID, "asset", 0, "asset id of the uploaded spreadsheet")
	runCmd.Flags().StringVar(&runOrgType, "org-type", string(model.SourceHealth), "source type: health, council or central_government")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "parse and resolve without writing spend data")
	runCmd.Flags().StringVar(&runFromStage, "from-stage", "", "first stage to execute (inclusive)")
	runCmd.Flags().StringVar(&runToStage, "to-stage", "", "last stage to execute (inclusive)")
	runCmd.Flags().BoolVar(&runTruncate, "truncate", false, "delete previously imported data for this asset before importing")
	runCmd.Flags().StringVar(&runParams, "params", "", "extra run parameters as inline YAML, e.g. 'asset_key: uploads/custom.xlsx'")

	rootCmd.AddCommand(runCmd)
}
