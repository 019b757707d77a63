package database

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ems-bench/internal/config"
	"ems-bench/internal/logging"
	"ems-bench/internal/trace"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	measurementSelect    = "ems_select"
	measurementMigration = "ems_migration"
	measurementRun       = "ems_run"
)

// RunMetadata describes one simulator run.
type RunMetadata struct {
	RunID            int    `json:"run_id"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	WorkloadChecksum string `json:"workload_checksum"`
	Started          string `json:"started"`  // RFC3339
	Finished         string `json:"finished"` // RFC3339
	Ticks            int    `json:"ticks"`
	TickMS           int    `json:"tick_ms"`
	NrCPUs           int    `json:"nr_cpus"`
	Tasks            int    `json:"tasks"`
	Placements       int    `json:"placements"`
	Migrations       int    `json:"migrations"`
	Aborted          int    `json:"aborted"`
	Hostname         string `json:"hostname"`
	DriverVersion    string `json:"driver_version"`
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxDBClient buffers decision events as points and writes them on
// Flush. It implements trace.Tracer.
type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI pointWriter
	queryAPI api.QueryAPI
	bucket   string
	org      string
	logger   *logrus.Logger

	mu     sync.Mutex
	runID  int
	points []*write.Point
}

var _ trace.Tracer = (*InfluxDBClient)(nil)

func NewInfluxDBClient(config config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(config.Host, config.Password)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", config.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    config.Host,
			"status":  health.Status,
			"message": msg,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb health check: %s", health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   config.Host,
		"bucket": config.Name,
		"org":    config.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: client.WriteAPIBlocking(config.Org, config.Name),
		queryAPI: client.QueryAPI(config.Org),
		bucket:   config.Name,
		org:      config.Org,
		logger:   logger,
	}, nil
}

func newClientWithWriter(w pointWriter, runID int) *InfluxDBClient {
	return &InfluxDBClient{writeAPI: w, runID: runID, logger: logging.GetLogger()}
}

// GetLastRunID returns the highest run id written to the bucket in the
// last 30 days, 0 if there is none.
func (idb *InfluxDBClient) GetLastRunID(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -30d)
		|> filter(fn: (r) => r._measurement == "%s")
		|> distinct(column: "run_id")
		|> map(fn: (r) => ({_value: int(v: r.run_id)}))
		|> max()
		|> yield(name: "max_run_id")
	`, idb.bucket, measurementRun)

	result, err := idb.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query last run ID: %w", err)
	}
	defer result.Close()

	maxID := 0
	for result.Next() {
		if id, ok := result.Record().Value().(int64); ok {
			maxID = int(id)
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query results: %w", result.Err())
	}
	return maxID, nil
}

// SetRunID tags every later point with id.
func (idb *InfluxDBClient) SetRunID(id int) {
	idb.mu.Lock()
	idb.runID = id
	idb.mu.Unlock()
}

func (idb *InfluxDBClient) add(p *write.Point) {
	idb.mu.Lock()
	p.AddTag("run_id", strconv.Itoa(idb.runID))
	idb.points = append(idb.points, p)
	idb.mu.Unlock()
}

func (idb *InfluxDBClient) TraceSelect(ev trace.Select) {
	idb.add(influxdb2.NewPoint(measurementSelect,
		map[string]string{
			"pid":  strconv.Itoa(ev.PID),
			"comm": ev.Comm,
			"cpu":  strconv.Itoa(ev.CPU),
		},
		map[string]interface{}{
			"candidates":  ev.Candidates.String(),
			"idle":        ev.Idle.String(),
			"score":       ev.Score,
			"idle_winner": ev.IdleWinner,
			"reason":      ev.Reason,
		},
		ev.Time))
}

func (idb *InfluxDBClient) TraceMigration(ev trace.Migration) {
	idb.add(influxdb2.NewPoint(measurementMigration,
		map[string]string{
			"pid":     strconv.Itoa(ev.PID),
			"comm":    ev.Comm,
			"outcome": string(ev.Outcome),
		},
		map[string]interface{}{
			"src":      ev.Src,
			"dst":      ev.Dst,
			"runnable": ev.Runnable,
			"boost":    ev.Boost,
			"reason":   ev.Reason,
		},
		ev.Time))
}

// Pending returns the number of buffered points.
func (idb *InfluxDBClient) Pending() int {
	idb.mu.Lock()
	defer idb.mu.Unlock()
	return len(idb.points)
}

// Flush writes every buffered point. The buffer is kept when the write
// fails so a later Flush can retry.
func (idb *InfluxDBClient) Flush(ctx context.Context) error {
	idb.mu.Lock()
	points := idb.points
	idb.points = nil
	idb.mu.Unlock()

	if len(points) == 0 {
		return nil
	}
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		idb.mu.Lock()
		idb.points = append(points, idb.points...)
		idb.mu.Unlock()
		return fmt.Errorf("failed to write data points: %w", err)
	}
	idb.logger.WithField("points", len(points)).Debug("Flushed trace points")
	return nil
}

func (idb *InfluxDBClient) WriteMetadata(ctx context.Context, metadata *RunMetadata) error {
	point := influxdb2.NewPoint(measurementRun,
		map[string]string{
			"run_id": strconv.Itoa(metadata.RunID),
		},
		map[string]interface{}{
			"name":              metadata.Name,
			"description":       metadata.Description,
			"workload_checksum": metadata.WorkloadChecksum,
			"started":           metadata.Started,
			"finished":          metadata.Finished,
			"ticks":             metadata.Ticks,
			"tick_ms":           metadata.TickMS,
			"nr_cpus":           metadata.NrCPUs,
			"tasks":             metadata.Tasks,
			"placements":        metadata.Placements,
			"migrations":        metadata.Migrations,
			"aborted":           metadata.Aborted,
			"hostname":          metadata.Hostname,
			"driver_version":    metadata.DriverVersion,
		},
		time.Now())

	if err := idb.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
