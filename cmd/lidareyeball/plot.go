package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/plots"
	"github.com/spf13/cobra"
)

var (
	plotRun     runFlags
	plotTrigger triggerFlags
	plotDir     string
)

var plotCmd = &cobra.Command{
	Use:   "plot [run files...]",
	Short: "Draw the transmission profiles of a run, and its corrected rates",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, run, err := plotRun.load(cmd.Context(), args)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(plotDir, 0o755); err != nil {
			return errors.Wrap(err, "creating plot directory")
		}
		name := func(kind string) string {
			return filepath.Join(plotDir, fmt.Sprintf("run%d_%s.png", run.RunNumber, kind))
		}
		altitude := application.Config().Correction.Altitude

		p, err := plots.TransmissionProfiles(run)
		if err != nil {
			return err
		}
		if err := plots.Save(p, name("profiles")); err != nil {
			return err
		}

		points, err := run.TransmissionSeries(altitude)
		if err != nil {
			return err
		}
		if p, err = plots.TransmissionSeries(run.RunNumber, altitude, points); err != nil {
			return err
		}
		if err := plots.Save(p, name("transmission")); err != nil {
			return err
		}

		if plotTrigger.given() {
			corrected, _, err := plotTrigger.correct(run)
			if err != nil {
				return err
			}
			if p, err = plots.CorrectedRates(corrected); err != nil {
				return err
			}
			if err := plots.Save(p, name("rates")); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "plots of run %d written to %s\n", run.RunNumber, plotDir)
		return nil
	},
}

func init() {
	plotRun.register(plotCmd)
	plotTrigger.register(plotCmd)
	plotCmd.Flags().StringVarP(&plotDir, "out-dir", "d", ".", "Directory receiving the PNG files")
}
