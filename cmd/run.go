package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"ems-bench/internal/config"
	"ems-bench/internal/database"
	"ems-bench/internal/host"
	"ems-bench/internal/logging"
	"ems-bench/internal/metrics"
	"ems-bench/internal/sim"
	"ems-bench/internal/storage"
	"ems-bench/internal/trace"

	"github.com/sirupsen/logrus"
)

type runOptions struct {
	configFile  string
	metricsAddr string
	spoolDir    string
	csvDir      string
	noDB        bool
	balance     bool
	out         io.Writer
}

// EMSBench holds everything one run touches.
type EMSBench struct {
	config        *config.Config
	configContent string
	sim           *sim.Simulator
	metrics       *metrics.Metrics
	dbClient      *database.InfluxDBClient
	runID         int
	startTime     time.Time
	endTime       time.Time
}

func (eb *EMSBench) cleanup() {
	if eb.dbClient != nil {
		eb.dbClient.Close()
	}
}

func runSimulation(ctx context.Context, opts runOptions) error {
	logger := logging.GetLogger()
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.out == nil {
		opts.out = os.Stdout
	}

	bench := &EMSBench{}
	defer bench.cleanup()

	var err error
	bench.config, bench.configContent, err = config.LoadConfigWithContent(opts.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if lvl := bench.config.LogLevel; lvl != "" {
		if err := logging.SetLogLevel(lvl); err != nil {
			logger.WithField("log_level", lvl).WithError(err).Warn("Invalid log level in config, keeping current level")
		}
	}

	if db := bench.config.Data.DB; db.Complete() && !opts.noDB {
		bench.dbClient, err = database.NewInfluxDBClient(db)
		if err != nil {
			return fmt.Errorf("failed to create database client: %w", err)
		}
		last, err := bench.dbClient.GetLastRunID(ctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to read last run ID, starting at 1")
		}
		bench.runID = last + 1
		bench.dbClient.SetRunID(bench.runID)
	}

	bench.metrics = metrics.New(nil)
	tracers := []trace.Tracer{trace.NewLogger(logging.GetSchedulerLogger()), bench.metrics}
	if bench.dbClient != nil {
		tracers = append(tracers, bench.dbClient)
	}

	// simulated time starts at the wall clock so every measurement of the run lines up
	bench.startTime = time.Now()
	bench.sim, err = sim.New(bench.config, sim.Options{
		Tracer:   trace.Multi(tracers...),
		Observer: bench.metrics,
		Balance:  opts.balance,
		Start:    bench.startTime,
	})
	if err != nil {
		return fmt.Errorf("failed to build simulator: %w", err)
	}
	bench.metrics.WatchTopology(bench.sim.Topology())

	if opts.metricsAddr != "" {
		stop := serveMetrics(opts.metricsAddr, bench.metrics)
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, runErr := bench.sim.Run(ctx)
	bench.endTime = time.Now()
	if runErr != nil {
		logger.WithError(runErr).Warn("Simulation interrupted, keeping partial result")
	}

	metadata := bench.metadata(result)
	persisted := false
	if bench.dbClient != nil {
		if err := bench.dbClient.Flush(ctx); err != nil {
			logger.WithError(err).Error("Failed to write trace points")
		} else if err := bench.dbClient.WriteMetadata(ctx, metadata); err != nil {
			logger.WithError(err).Error("Failed to write run metadata")
		} else {
			persisted = true
			logger.WithField("run_id", bench.runID).Info("Run written to InfluxDB")
		}
	}

	spoolDir := opts.spoolDir
	if spoolDir == "" {
		spoolDir = bench.config.Data.SpoolDir
	}
	// a run that did not reach the database is always spooled
	if spoolDir != "" || (bench.dbClient != nil && !persisted) {
		artifact := database.BuildSpoolArtifact(metadata, bench.configContent, result.FinalCPU, result.Selects, result.Migrations)
		path, err := database.WriteSpoolArtifact(spoolDir, artifact)
		if err != nil {
			logger.WithError(err).Error("Failed to write spool artifact")
		} else {
			logger.WithField("path", path).Info("Run spooled")
		}
	}

	if opts.csvDir != "" {
		if _, err := storage.ExportToCSV(opts.csvDir, result); err != nil {
			logger.WithError(err).Error("Failed to export CSV")
		}
	}

	if err := writeSummary(opts.out, result); err != nil {
		return err
	}
	return runErr
}

func (eb *EMSBench) metadata(result *sim.Result) *database.RunMetadata {
	hostname := "unknown"
	if hc, err := host.GetHostConfig(); err == nil {
		hostname = hc.Hostname
	} else if h, err := os.Hostname(); err == nil {
		hostname = h
	}

	aborted := 0
	for _, m := range result.Migrations {
		if m.Outcome == trace.Aborted {
			aborted++
		}
	}
	return &database.RunMetadata{
		RunID:            eb.runID,
		Name:             eb.config.Name,
		Description:      eb.config.Description,
		WorkloadChecksum: result.Checksum,
		Started:          eb.startTime.Format(time.RFC3339),
		Finished:         eb.endTime.Format(time.RFC3339),
		Ticks:            result.Ticks,
		TickMS:           eb.config.Workload.TickMS,
		NrCPUs:           eb.config.Platform.NrCPUs,
		Tasks:            len(eb.config.Workload.Tasks),
		Placements:       len(result.Placements),
		Migrations:       result.Moved(),
		Aborted:          aborted,
		Hostname:         hostname,
		DriverVersion:    Version,
	}
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown.
func serveMetrics(addr string, m *metrics.Metrics) func() {
	logger := logging.GetLogger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithField("addr", addr).WithError(err).Error("Metrics server failed")
		}
	}()
	logger.WithField("addr", addr).Info("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("Metrics server shutdown failed")
		}
	}
}

func writeSummary(w io.Writer, result *sim.Result) error {
	logging.GetLogger().WithFields(logrus.Fields{
		"name":     result.Name,
		"checksum": result.Checksum,
		"moved":    result.Moved(),
	}).Debug("Writing summary")

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s (%s)\n", result.Name, result.Checksum)
	fmt.Fprintf(tw, "ticks\t%d\n", result.Ticks)
	fmt.Fprintf(tw, "placements\t%d\n", len(result.Placements))
	fmt.Fprintf(tw, "migrations\t%d moved / %d attempted\n", result.Moved(), len(result.Migrations))
	fmt.Fprintf(tw, "balances\t%d\n", len(result.Balances))
	fmt.Fprintln(tw, "\npid\tcpu")
	for _, pid := range sortedPIDs(result.FinalCPU) {
		fmt.Fprintf(tw, "%d\t%d\n", pid, result.FinalCPU[pid])
	}
	return tw.Flush()
}

func sortedPIDs(m map[int]int) []int {
	out := make([]int, 0, len(m))
	for pid := range m {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}
