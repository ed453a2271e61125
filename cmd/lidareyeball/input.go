package main

import (
	"context"
	"os"

	"github.com/bregeon/LidarEyeball/internal/app"
	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/lidarrun"
	"github.com/bregeon/LidarEyeball/internal/reader"
	"github.com/bregeon/LidarEyeball/internal/trigger"
	"github.com/spf13/cobra"
)

// runFlags select the Lidar data of a run
type runFlags struct {
	shots     string
	runNumber int
	channel   int
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.shots, "shots", "", "CSV of individual shots (time,sample0,...) instead of run files")
	cmd.Flags().IntVar(&f.runNumber, "run", 0, "Run number of the --shots CSV")
	cmd.Flags().IntVar(&f.channel, "channel", 0, "Channel of the run files to invert, starting at 0")
}

// load reads and processes the run given by args or --shots
func (f *runFlags) load(ctx context.Context, args []string) (*app.Input, *lidarrun.Run, error) {
	var (
		in  *app.Input
		err error
	)
	switch {
	case f.shots != "" && len(args) > 0:
		return nil, nil, errors.InvalidInputf("give run files or --shots, not both")
	case f.shots != "":
		if f.runNumber <= 0 {
			return nil, nil, errors.InvalidInputf("--shots needs a positive --run")
		}
		in, err = application.LoadShotsCSV(f.shots, f.runNumber)
	default:
		in, err = application.LoadRunFiles(args, f.channel)
	}
	if err != nil {
		return nil, nil, err
	}
	run, err := application.Process(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	return in, run, nil
}

// triggerFlags select the trigger data of a run
type triggerFlags struct {
	bins   string
	events string
}

func (f *triggerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.bins, "trigger-bins", "", "CSV of binned trigger counts (time,count,duration)")
	cmd.Flags().StringVar(&f.events, "events", "", "File of raw trigger timestamps, one per line")
}

func (f *triggerFlags) given() bool { return f.bins != "" || f.events != "" }

func (f *triggerFlags) read() (app.TriggerInput, error) {
	var in app.TriggerInput
	if f.bins != "" {
		file, err := os.Open(f.bins)
		if err != nil {
			return in, errors.Wrap(err, "opening trigger bins")
		}
		defer file.Close()
		if in.Bins, err = reader.ReadTriggerBins(file); err != nil {
			return in, errors.Wrapf(err, "%s", f.bins)
		}
	}
	if f.events != "" {
		file, err := os.Open(f.events)
		if err != nil {
			return in, errors.Wrap(err, "opening trigger events")
		}
		defer file.Close()
		if in.Events, err = reader.ReadEventTimes(file); err != nil {
			return in, errors.Wrapf(err, "%s", f.events)
		}
	}
	return in, nil
}

// correct builds the trigger series of run and corrects it
func (f *triggerFlags) correct(run *lidarrun.Run) (*trigger.CorrectedSeries, []trigger.TransmissionPoint, error) {
	in, err := f.read()
	if err != nil {
		return nil, nil, err
	}
	series, err := application.Series(run.RunNumber, in)
	if err != nil {
		return nil, nil, err
	}
	return application.Correct(run, series)
}
