package main

import (
	"fmt"
	"os"
	"path/filepath"

	"ems-bench/internal/config"
	"ems-bench/internal/host"
	"ems-bench/internal/logging"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const Version = "1.0.0"

func loadEnvironment() {
	logger := logging.GetLogger()

	// Try to load .env file from current directory
	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}
	// Try to load from the application directory
	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

func main() {
	logger := logging.GetLogger()

	loadEnvironment()

	if err := newRootCmd().Execute(); err != nil {
		logger.WithError(err).Fatal("Command execution failed")
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	var logLevel, schedLogLevel, logFormat string
	var run runOptions
	var sysfsRoot, procRoot string

	rootCmd := &cobra.Command{
		Use:           "ems-bench",
		Short:         "Energy-aware task placement simulator",
		Long:          "Simulates energy-aware CPU selection and on-time heavy-task migration on a configured big.LITTLE platform",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			if schedLogLevel != "" {
				if err := logging.SetSchedulerLogLevel(schedLogLevel); err != nil {
					return fmt.Errorf("invalid scheduler log level: %w", err)
				}
			}
			return logging.SetFormat(logFormat)
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&schedLogLevel, "sched-log-level", "", "Set the log level of placement and migration decisions")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation",
		RunE: func(cmd *cobra.Command, args []string) error {
			run.configFile = configFile
			run.out = cmd.OutOrStdout()
			return runSimulation(cmd.Context(), run)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configFile)
		},
	}

	dumpCmd := &cobra.Command{
		Use:       "dump weights|topology",
		Short:     "Print the per-cpu weight table or the capacity topology",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"weights", "topology"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return err
			}
			topo, err := cfg.Platform.BuildTopology(logging.GetLogger())
			if err != nil {
				logging.GetLogger().WithError(err).Warn("Platform registered with errors")
			}
			if args[0] == "weights" {
				return topo.DumpWeights(cmd.OutOrStdout())
			}
			return topo.DumpTopology(cmd.OutOrStdout())
		},
	}

	probeCmd := &cobra.Command{
		Use:   "probe-host",
		Short: "Print a platform section derived from the cpufreq sysfs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return probeHost(cmd, sysfsRoot, procRoot)
		},
	}

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	runCmd.Flags().StringVar(&run.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	runCmd.Flags().StringVar(&run.spoolDir, "spool-dir", "", "Write the run artifact to this directory (overrides data.spool_dir)")
	runCmd.Flags().StringVar(&run.csvDir, "csv-dir", "", "Export placements, selections and migrations as CSV to this directory")
	runCmd.Flags().BoolVar(&run.noDB, "no-db", false, "Do not write to InfluxDB even if configured")
	runCmd.Flags().BoolVar(&run.balance, "balance", false, "Enable the idle-pull load balancer")
	runCmd.MarkFlagRequired("config")

	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	validateCmd.MarkFlagRequired("config")

	dumpCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	dumpCmd.MarkFlagRequired("config")

	probeCmd.Flags().StringVar(&sysfsRoot, "sysfs", host.DefaultSysfsRoot, "cpu sysfs root")
	probeCmd.Flags().StringVar(&procRoot, "proc", "/proc", "procfs root")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(probeCmd)
	return rootCmd
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	if _, err := cfg.Platform.BuildTopology(logger); err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Platform registered with errors")
		return err
	}
	checksum, _ := config.WorkloadChecksum(cfg)
	logger.WithFields(logrus.Fields{
		"config_file": configFile,
		"checksum":    checksum,
	}).Info("Configuration is valid")
	return nil
}

func probeHost(cmd *cobra.Command, sysfsRoot, procRoot string) error {
	hc, err := host.Probe(sysfsRoot, procRoot)
	if err != nil {
		return err
	}
	out := struct {
		Name     string                `yaml:"name"`
		Platform config.PlatformConfig `yaml:"platform"`
	}{
		Name:     hc.Hostname,
		Platform: hc.PlatformConfig(),
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return err
	}
	return enc.Close()
}
