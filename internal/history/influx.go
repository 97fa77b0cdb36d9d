package history

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"HpcMonitor/internal/util"
)

// InfluxSink mirrors history samples into an InfluxDB bucket. Points are
// keyed by measurement, node and metric tags and time, so rewriting a sample
// overwrites it with the same value.
type InfluxSink struct {
	client      influxdb2.Client
	org         string
	bucket      string
	measurement string
}

func NewInfluxSink(ctx context.Context, config *util.InfluxDBConfig) (*InfluxSink, error) {
	client := influxdb2.NewClient(config.URL, config.Token)
	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping InfluxDB: %v", err)
	}

	s := &InfluxSink{
		client:      client,
		org:         config.Org,
		bucket:      config.Bucket,
		measurement: config.Measurement,
	}
	if err := s.createBucketIfNotExists(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

func (s *InfluxSink) Name() string { return "influxdb" }

func (s *InfluxSink) Write(ctx context.Context, metric Metric, samples []Sample) (int64, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	points := make([]*write.Point, 0, len(samples))
	for _, sample := range samples {
		points = append(points, influxdb2.NewPoint(
			s.measurement,
			map[string]string{"node": sample.Node, "metric": string(metric)},
			map[string]any{"value": sample.Value},
			time.Unix(sample.Timestamp, 0),
		))
	}

	writeAPI := s.client.WriteAPIBlocking(s.org, s.bucket)
	if err := writeAPI.WritePoint(ctx, points...); err != nil {
		return 0, fmt.Errorf("failed to write %d %s points: %w", len(points), metric, err)
	}
	return int64(len(points)), nil
}

func (s *InfluxSink) Close() {
	s.client.Close()
}

func (s *InfluxSink) createBucketIfNotExists(ctx context.Context) error {
	bucketsAPI := s.client.BucketsAPI()
	if bucket, _ := bucketsAPI.FindBucketByName(ctx, s.bucket); bucket != nil {
		return nil
	}

	org, err := s.client.OrganizationsAPI().FindOrganizationByName(ctx, s.org)
	if err != nil {
		return fmt.Errorf("failed to find organization %s: %v", s.org, err)
	}
	if _, err := bucketsAPI.CreateBucketWithName(ctx, org, s.bucket); err != nil {
		return fmt.Errorf("failed to create bucket %s: %v", s.bucket, err)
	}
	log.Infof("Created InfluxDB bucket %s", s.bucket)
	return nil
}
