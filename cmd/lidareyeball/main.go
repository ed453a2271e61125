package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bregeon/LidarEyeball/internal/app"
	"github.com/bregeon/LidarEyeball/internal/constants"
	"github.com/bregeon/LidarEyeball/internal/errors"
	"github.com/bregeon/LidarEyeball/internal/log"
	"github.com/bregeon/LidarEyeball/pkg/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	debug       bool
	application *app.App
)

var rootCmd = &cobra.Command{
	Use:   constants.AppName,
	Short: "Lidar atmospheric transmission and trigger-rate correction",
	Long: `lidareyeball inverts H.E.S.S. Lidar runs into aerosol extinction and
atmospheric transmission profiles, corrects Cherenkov trigger rates for the
measured transmission and keeps a catalog of processed runs.

Examples:
  lidareyeball process Lidar_67217_*.txt
  lidareyeball correct Lidar_67217_*.txt --events triggers.txt -o corrected.csv
  lidareyeball runs --night 2024-03-12
  lidareyeball serve`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := log.Init(debug); err != nil {
			return err
		}
		if cmd.Name() == "version" {
			return nil
		}
		cfg, err := loadConfig(cfgFile)
		if err != nil {
			return err
		}
		application = app.New(cfg, log.Named(constants.AppName))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", constants.DefaultConfigFile, "Path to the YAML configuration")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Turn on debugging output")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(correctCmd)
	rootCmd.AddCommand(plotCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	err := rootCmd.Execute()
	log.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig(cfgFile string) (*config.ConfigData, error) {
	filename, _ := filepath.Abs(cfgFile)

	provider := config.NewYAMLProvider(filename)
	defer provider.Close()

	cfgData, err := provider.LoadConfig()
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file. Did you pass the --config flag? Run with -h for help")
	}
	return cfgData, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the lidareyeball version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", constants.AppName, constants.Version)
	},
}
