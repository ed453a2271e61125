package main

import (
	"fmt"
	"io"
	"time"

	"github.com/bregeon/LidarEyeball/internal/lidarrun"
	"github.com/bregeon/LidarEyeball/internal/trigger"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/spf13/cobra"
)

var (
	processRun     runFlags
	processTrigger triggerFlags
	processDryRun  bool
)

var processCmd = &cobra.Command{
	Use:   "process [run files...]",
	Short: "Invert a Lidar run and record it in the configured storage",
	Long: `Cut a Lidar run into time windows, invert each window into aerosol
extinction and transmission, and record the run summary, the transmission
series and, when trigger data is given, the corrected trigger rates.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		in, run, err := processRun.load(ctx, args)
		if err != nil {
			return err
		}

		var (
			corrected *trigger.CorrectedSeries
			points    []trigger.TransmissionPoint
		)
		if processTrigger.given() {
			if corrected, points, err = processTrigger.correct(run); err != nil {
				return err
			}
		} else if points, err = run.TransmissionSeries(application.Config().Correction.Altitude); err != nil {
			return err
		}

		result := application.Result(run, in.FileName, points, corrected)
		printRun(cmd.OutOrStdout(), run, result)
		if processDryRun {
			return nil
		}
		return application.Store(ctx, result)
	},
}

func init() {
	processRun.register(processCmd)
	processTrigger.register(processCmd)
	processCmd.Flags().BoolVar(&processDryRun, "dry-run", false, "Print the result without storing it")
}

func printRun(w io.Writer, run *lidarrun.Run, r types.RunResult) {
	s := r.Summary
	fmt.Fprintf(w, "run %d  %s  MJD %.5f\n", s.RunNumber, s.FileName, s.MJD)
	fmt.Fprintf(w, "  %s - %s  %d windows, %d failed\n",
		s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339), s.Windows, s.FailedWindows)
	fmt.Fprintf(w, "  tau4 %.4f  good %t  processing %s\n", s.Tau4, s.IsGood, s.ProcessingID)
	for _, f := range run.Failures {
		fmt.Fprintf(w, "  window %d at %s: %s", f.Index, f.Window.Start.UTC().Format("15:04:05"), f.Reason)
		if f.Err != nil {
			fmt.Fprintf(w, " (%v)", f.Err)
		}
		fmt.Fprintln(w)
	}
	for _, p := range r.Transmission {
		fmt.Fprintf(w, "  %s  T(%.0f m) = %.4f", p.Time.UTC().Format("15:04:05"), r.Altitude, p.Transmission)
		if !p.Valid {
			fmt.Fprint(w, "  obscured")
		}
		fmt.Fprintln(w)
	}
	if r.Corrected != nil {
		fmt.Fprintf(w, "  %d trigger bins corrected (%s), %d flagged\n",
			len(r.Corrected.Bins), r.Corrected.Mode, r.Corrected.FlaggedCount())
	}
}
