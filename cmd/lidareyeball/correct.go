package main

import (
	"io"
	"os"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/reader"
	"github.com/bregeon/LidarEyeball/internal/trigger"
	"github.com/spf13/cobra"
)

var (
	correctRun     runFlags
	correctTrigger triggerFlags
	correctOutput  string
)

var correctCmd = &cobra.Command{
	Use:   "correct [run files...]",
	Short: "Correct trigger rates for the transmission of a Lidar run",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !correctTrigger.given() {
			return errors.InvalidInputf("correct needs --trigger-bins or --events")
		}
		_, run, err := correctRun.load(cmd.Context(), args)
		if err != nil {
			return err
		}
		corrected, _, err := correctTrigger.correct(run)
		if err != nil {
			return err
		}
		return writeCorrected(cmd.OutOrStdout(), correctOutput, corrected)
	},
}

// writeCorrected writes corrected to path, or to stdout when path is "-"
func writeCorrected(stdout io.Writer, path string, corrected *trigger.CorrectedSeries) (err error) {
	if path == "" || path == "-" {
		return reader.WriteCorrected(stdout, corrected)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating output")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "closing %s", path)
		}
	}()
	return reader.WriteCorrected(f, corrected)
}

func init() {
	correctRun.register(correctCmd)
	correctTrigger.register(correctCmd)
	correctCmd.Flags().StringVarP(&correctOutput, "output", "o", "-", "Corrected CSV, - for stdout")
}
