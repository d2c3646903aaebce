// Package stackdriver reads Bigtable cluster CPU load from Cloud Monitoring.
package stackdriver

import (
	"context"
	"fmt"
	"time"

	monitoring "cloud.google.com/go/monitoring/apiv3/v2"
	"cloud.google.com/go/monitoring/apiv3/v2/monitoringpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/lumahq/bigtable-autoscaler/db"
)

const cpuMetricType = "bigtable.googleapis.com/cluster/cpu_load"

// Client fetches the recent average CPU load of a cluster. It implements
// autoscaler.CPULoadSource.
type Client struct {
	metrics *monitoring.MetricClient

	// window is how far back the load average looks. Short windows react
	// faster but flap on load spikes.
	window time.Duration
}

func NewClient(ctx context.Context, window time.Duration, opts ...option.ClientOption) (*Client, error) {
	mc, err := monitoring.NewMetricClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating monitoring client: %w", err)
	}
	return &Client{metrics: mc, window: window}, nil
}

func (c *Client) Close() error {
	return c.metrics.Close()
}

// CPULoad returns the mean CPU load of the cluster over the lookback window,
// as a fraction in [0, 1].
func (c *Client) CPULoad(ctx context.Context, cluster *db.BigtableCluster) (float64, error) {
	end := time.Now()
	req := &monitoringpb.ListTimeSeriesRequest{
		Name: "projects/" + cluster.ProjectID,
		Filter: fmt.Sprintf(
			`metric.type=%q AND resource.labels.instance=%q AND resource.labels.cluster=%q`,
			cpuMetricType, cluster.InstanceID, cluster.ClusterID),
		Interval: &monitoringpb.TimeInterval{
			StartTime: timestamppb.New(end.Add(-c.window)),
			EndTime:   timestamppb.New(end),
		},
		View: monitoringpb.ListTimeSeriesRequest_FULL,
	}

	var sum float64
	var count int
	it := c.metrics.ListTimeSeries(ctx, req)
	for {
		series, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("reading cpu load for %s: %w", cluster.Key(), err)
		}
		for _, point := range series.GetPoints() {
			sum += point.GetValue().GetDoubleValue()
			count++
		}
	}
	if count == 0 {
		return 0, fmt.Errorf("no cpu load samples for %s in the last %s", cluster.Key(), c.window)
	}
	return sum / float64(count), nil
}
