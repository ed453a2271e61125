package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/bregeon/LidarEyeball/internal/controllers/restserver"
	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/storage/catalog"
	"github.com/bregeon/LidarEyeball/internal/types"
	"github.com/spf13/cobra"
)

var (
	runsNight string
	runsFrom  string
	runsTo    string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List catalogued runs, for one night or a period",
	Long: `List the runs of the catalog. --night lists the good runs of the night
starting at noon UTC of the given date, followed by the transmission
probability exp(-2·tau4) of its first and last run; --from and --to list
every run starting in the period.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := application.Config().Storage.Catalog
		if c == nil || c.Path == "" {
			return errors.InvalidInputf("no run catalog configured: set storage.catalog.path")
		}
		cat, err := catalog.Open(c.Path, nil)
		if err != nil {
			return err
		}
		defer cat.Close()

		ctx := cmd.Context()
		var runs []types.RunSummary
		switch {
		case runsNight != "":
			d, err := time.Parse(time.DateOnly, runsNight)
			if err != nil {
				return errors.InvalidInputf("--night %q is not a date", runsNight)
			}
			runs, err = cat.RunsForNight(ctx, d.Add(restserver.NightStartHour*time.Hour))
			if err != nil {
				return err
			}
			if err := printRuns(cmd.OutOrStdout(), runs); err != nil {
				return err
			}
			return printNight(cmd.OutOrStdout(), types.TransmissionProbability(runs))
		case runsFrom != "" || runsTo != "":
			from, err := parseFlagTime("from", runsFrom)
			if err != nil {
				return err
			}
			to, err := parseFlagTime("to", runsTo)
			if err != nil {
				return err
			}
			if runs, err = cat.RunsBetween(ctx, from, to); err != nil {
				return err
			}
		default:
			if runs, err = cat.All(ctx); err != nil {
				return err
			}
		}
		return printRuns(cmd.OutOrStdout(), runs)
	},
}

// printNight prints the transmission probability line of a night
func printNight(w io.Writer, nt *types.NightTransmission) error {
	if nt == nil {
		_, err := fmt.Fprintln(w, "No good run this night")
		return err
	}
	_, err := fmt.Fprintf(w, "Transmission probability from %.2f (run %d) to %.2f (run %d), variation %+.2f\n",
		nt.Start, nt.FirstRun, nt.End, nt.LastRun, nt.Variation)
	return err
}

func init() {
	runsCmd.Flags().StringVar(&runsNight, "night", "", "Night date, YYYY-MM-DD")
	runsCmd.Flags().StringVar(&runsFrom, "from", "", "Period start, RFC 3339 or YYYY-MM-DD")
	runsCmd.Flags().StringVar(&runsTo, "to", "", "Period end, RFC 3339 or YYYY-MM-DD")
	runsCmd.MarkFlagsMutuallyExclusive("night", "from")
	runsCmd.MarkFlagsMutuallyExclusive("night", "to")
	runsCmd.MarkFlagsRequiredTogether("from", "to")
}

func parseFlagTime(name, s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, errors.InvalidInputf("--%s %q is neither an RFC 3339 timestamp nor a date", name, s)
}

func printRuns(w io.Writer, runs []types.RunSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTART\tEND\tWINDOWS\tFAILED\tTAU4\tRATE\tGOOD\tFILE")
	for _, s := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%.4f\t%.1f\t%t\t%s\n", s.RunNumber,
			s.Start.UTC().Format(time.RFC3339), s.End.UTC().Format(time.RFC3339),
			s.Windows, s.FailedWindows, s.Tau4, s.TriggerRate, s.IsGood, s.FileName)
	}
	return tw.Flush()
}
