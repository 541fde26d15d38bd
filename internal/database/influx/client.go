// Package influx writes pool telemetry and share statistics to InfluxDB and
// queries them back.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/gomp-ethash/internal/validation"
)

// pointWriter is the part of api.WriteAPI the client writes through.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics. It also
// implements metrics.Recorder.
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	queryAPI api.QueryAPI
	bucket   string
	now      func() time.Time
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Service is added as a tag to every point.
	Service string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	opts := influxdb2.DefaultOptions().
		SetBatchSize(500).
		SetFlushInterval(1000)
	if cfg.Service != "" {
		opts.AddDefaultTag("service", cfg.Service)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		now:      time.Now,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

func (c *Client) write(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, c.now()))
}

// Share and block points

// WriteShare writes an accepted share.
func (c *Client) WriteShare(share validation.Share) {
	tags := map[string]string{
		"miner":  share.Miner,
		"worker": share.Worker,
		"block":  strconv.FormatBool(share.IsBlockCandidate),
	}
	fields := map[string]interface{}{
		"difficulty":        share.Difficulty,
		"actual_difficulty": share.ActualDifficulty,
		"height":            int64(share.BlockHeight),
		"count":             1,
	}
	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, share.Created))
}

// WriteBlock writes the outcome of a block submission.
func (c *Client) WriteBlock(height uint64, miner, status string, difficulty float64) {
	c.write("blocks",
		map[string]string{"miner": miner, "status": status},
		map[string]interface{}{"height": int64(height), "difficulty": difficulty, "count": 1},
	)
}

// WriteHashrate writes a hashrate estimate for a worker.
func (c *Client) WriteHashrate(miner, worker string, hashrate float64) {
	c.write("hashrate",
		map[string]string{"miner": miner, "worker": worker},
		map[string]interface{}{"hashrate": hashrate},
	)
}

// metrics.Recorder

// ConnOpened records a new stratum connection.
func (c *Client) ConnOpened() { c.connEvent("open") }

// ConnClosed records a closed stratum connection.
func (c *Client) ConnClosed() { c.connEvent("close") }

func (c *Client) connEvent(event string) {
	c.write("connections", map[string]string{"event": event}, map[string]interface{}{"count": 1})
}

// ShareAccepted records an accepted share.
func (c *Client) ShareAccepted(difficulty float64) {
	c.write("share_events",
		map[string]string{"status": "accepted"},
		map[string]interface{}{"count": 1, "difficulty": difficulty},
	)
}

// ShareRejected records a rejected share.
func (c *Client) ShareRejected(reason string) {
	c.write("share_events", map[string]string{"status": reason}, map[string]interface{}{"count": 1})
}

// BlockCandidate records a share meeting the network target.
func (c *Client) BlockCandidate(height uint64) {
	c.write("block_candidates", nil, map[string]interface{}{"height": int64(height), "count": 1})
}

// BlockSubmitted records an eth_submitWork outcome.
func (c *Client) BlockSubmitted(success bool) {
	c.write("block_submissions",
		map[string]string{"success": strconv.FormatBool(success)},
		map[string]interface{}{"count": 1},
	)
}

// DatasetBuilt records a dataset build.
func (c *Client) DatasetBuilt(epoch uint64, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	c.write("datasets",
		map[string]string{"event": "build", "status": status},
		map[string]interface{}{"epoch": int64(epoch), "duration_ms": float64(duration) / float64(time.Millisecond)},
	)
}

// DatasetRetired records a retired dataset.
func (c *Client) DatasetRetired(epoch uint64) {
	c.write("datasets",
		map[string]string{"event": "retire"},
		map[string]interface{}{"epoch": int64(epoch)},
	)
}

// DatasetsResident records the number of resident datasets.
func (c *Client) DatasetsResident(n int) {
	c.write("datasets_resident", nil, map[string]interface{}{"count": n})
}

// Queries

// GetShareStats sums accepted share counts and difficulty of a miner
func (c *Client) GetShareStats(ctx context.Context, miner string, duration time.Duration) (*ShareStats, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "shares")
		|> filter(fn: (r) => r.miner == "%s")
		|> filter(fn: (r) => r._field == "count" or r._field == "difficulty")
		|> group(columns: ["_field"])
		|> sum()
	`, c.bucket, duration.String(), miner)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query share stats: %w", err)
	}
	defer result.Close()

	stats := &ShareStats{Window: duration}
	for result.Next() {
		record := result.Record()
		switch record.Field() {
		case "count":
			if v, ok := record.Value().(int64); ok {
				stats.Shares = v
			}
		case "difficulty":
			if v, ok := record.Value().(float64); ok {
				stats.Difficulty = v
			}
		}
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return stats, nil
}

// GetPoolHashrate returns the pool hashrate over duration
func (c *Client) GetPoolHashrate(ctx context.Context, duration time.Duration) (float64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "hashrate")
		|> filter(fn: (r) => r._field == "hashrate")
		|> aggregateWindow(every: 5m, fn: mean, createEmpty: false)
		|> group()
		|> sum()
		|> last()
	`, c.bucket, duration.String())

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query pool hashrate: %w", err)
	}
	defer result.Close()

	if result.Next() {
		if hashrate, ok := result.Record().Value().(float64); ok {
			return hashrate, nil
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return 0, nil
}

// ShareStats is a miner's accepted share totals over a window
type ShareStats struct {
	Window     time.Duration `json:"window"`
	Shares     int64         `json:"shares"`
	Difficulty float64       `json:"difficulty"`
}

// Hashrate converts the credited difficulty to hashes per second.
func (s *ShareStats) Hashrate() float64 {
	if s.Window <= 0 {
		return 0
	}
	return s.Difficulty * validation.HashesPerDifficulty / s.Window.Seconds()
}
