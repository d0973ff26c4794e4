// Package influx writes round, stats and connection-health points to InfluxDB
// for dashboards, and reads capacity history back.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/roundproxy/internal/events"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors exposes asynchronous write failures.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// WriteEvent converts a bus event into a point. Unknown kinds are ignored.
func (c *Client) WriteEvent(ev events.Event) {
	if p := PointFor(ev); p != nil {
		c.writeAPI.WritePoint(p)
	}
}

// PointFor maps an event to its InfluxDB point, or nil.
func PointFor(ev events.Event) *write.Point {
	switch payload := ev.Payload.(type) {
	case events.RoundChanged:
		if payload.Info == nil {
			return nil
		}
		return write.NewPoint("rounds",
			map[string]string{"proxy": ev.Proxy, "upstream": payload.UpstreamID, "fork": strconv.FormatBool(payload.Fork)},
			map[string]any{
				"height":         int64(payload.Info.Height),
				"net_difficulty": payload.Info.NetDifficulty(),
			}, ev.At)

	case events.Stats:
		fields := map[string]any{
			"total_rounds":       payload.TotalRounds,
			"rounds_with_dl":     payload.RoundsWithDL,
			"rounds_submitted":   payload.RoundsSubmitted,
			"rounds_won":         payload.RoundsWon,
			"estimated_capacity": payload.EstimatedCapacity,
		}
		if payload.LastBestDL != nil && payload.LastBestDL.IsInt64() {
			fields["last_best_dl"] = payload.LastBestDL.Int64()
		}
		return write.NewPoint("upstream_stats",
			map[string]string{"proxy": ev.Proxy, "upstream": payload.UpstreamID}, fields, ev.At)

	case events.HealthChanged:
		return write.NewPoint("connection",
			map[string]string{"proxy": ev.Proxy, "upstream": payload.UpstreamID},
			map[string]any{
				"quality":   payload.Quality,
				"connected": payload.Connected,
			}, ev.At)

	case events.SubmissionForwarded:
		fields := map[string]any{
			"height":   int64(payload.Height),
			"accepted": payload.Accepted,
			"count":    1,
		}
		if payload.AdjustedDL != nil && payload.AdjustedDL.IsInt64() {
			fields["deadline"] = payload.AdjustedDL.Int64()
		}
		return write.NewPoint("submissions",
			map[string]string{"proxy": ev.Proxy, "upstream": payload.UpstreamID, "account_id": payload.AccountID},
			fields, ev.At)

	case events.RoundFinalized:
		round := payload.Round
		if round == nil {
			return nil
		}
		fields := map[string]any{
			"height":   int64(round.Height),
			"net_diff": round.NetDiff,
		}
		if round.BestDL != nil && round.BestDL.IsInt64() {
			fields["best_dl"] = round.BestDL.Int64()
		}
		if round.RoundWon != nil {
			fields["won"] = *round.RoundWon
		}
		return write.NewPoint("finalized_rounds",
			map[string]string{"proxy": ev.Proxy, "upstream": payload.UpstreamID}, fields, ev.At)
	}
	return nil
}

// CapacityPoint is one estimated capacity sample.
type CapacityPoint struct {
	Time     time.Time `json:"time"`
	Capacity float64   `json:"capacity"`
}

// GetCapacityHistory retrieves the estimated capacity of an upstream over duration.
func (c *Client) GetCapacityHistory(ctx context.Context, upstreamID string, duration time.Duration) ([]CapacityPoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%s)
		|> filter(fn: (r) => r._measurement == "upstream_stats")
		|> filter(fn: (r) => r.upstream == %q)
		|> filter(fn: (r) => r._field == "estimated_capacity")
		|> aggregateWindow(every: 1h, fn: last, createEmpty: false)
	`, c.bucket, duration.String(), upstreamID)

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query capacity history: %w", err)
	}
	defer func() { _ = result.Close() }()

	var points []CapacityPoint
	for result.Next() {
		record := result.Record()
		if value, ok := record.Value().(float64); ok {
			points = append(points, CapacityPoint{Time: record.Time(), Capacity: value})
		}
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("error reading query result: %w", result.Err())
	}
	return points, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
