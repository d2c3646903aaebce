package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
)

//go:embed schema.sql
var schema string

const clusterColumns = `project_id, instance_id, cluster_id, cpu_target, min_nodes, max_nodes,
overload_step, min_nodes_override, enabled, last_checked, last_change, last_node_count,
consecutive_failure_count, last_failure_message`

// PostgresStore is the production Database. All hosts share one Postgres
// instance; UpdateLastChecked relies on a single conditional UPDATE with
// rows-affected arbitration, so no two hosts can claim the same cluster in
// the same check window.
type PostgresStore struct {
	pool          *pgxpool.Pool
	checkInterval time.Duration
}

// NewPostgresStore connects to the given Postgres URL, retrying with
// exponential backoff until the deadline on ctx, and ensures the schema.
func NewPostgresStore(ctx context.Context, url string, checkInterval time.Duration) (*PostgresStore, error) {
	var pool *pgxpool.Pool
	connect := func() error {
		var err error
		pool, err = pgxpool.New(ctx, url)
		if err != nil {
			return err
		}
		if err = pool.Ping(ctx); err != nil {
			pool.Close()
			log.WithFields(log.Fields{"err": err}).Warn("postgres not ready, retrying")
			return err
		}
		return nil
	}
	if err := backoff.Retry(connect, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return &PostgresStore{pool: pool, checkInterval: checkInterval}, nil
}

func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) GetCandidateClusters(ctx context.Context) ([]*BigtableCluster, error) {
	cutoff := time.Now().Add(-p.checkInterval)
	rows, err := p.pool.Query(ctx, `
SELECT `+clusterColumns+`
FROM autoscale_clusters
WHERE enabled AND (last_checked IS NULL OR last_checked < $1)
ORDER BY last_checked ASC NULLS FIRST, project_id, instance_id, cluster_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying candidate clusters: %w", err)
	}
	defer rows.Close()
	return scanClusters(rows)
}

// UpdateLastChecked claims the cluster by advancing its coordination marker,
// but only if the marker still holds the value this host read in the
// candidate query. IS NOT DISTINCT FROM makes the comparison NULL-safe for
// clusters that have never been checked.
func (p *PostgresStore) UpdateLastChecked(ctx context.Context, cluster *BigtableCluster) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
UPDATE autoscale_clusters
SET last_checked = now()
WHERE project_id = $1 AND instance_id = $2 AND cluster_id = $3
  AND last_checked IS NOT DISTINCT FROM $4`,
		cluster.ProjectID, cluster.InstanceID, cluster.ClusterID, cluster.LastChecked)
	if err != nil {
		return false, fmt.Errorf("claiming cluster %s: %w", cluster.Key(), err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) InsertCluster(ctx context.Context, cluster *BigtableCluster) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO autoscale_clusters
  (project_id, instance_id, cluster_id, cpu_target, min_nodes, max_nodes, overload_step, enabled)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cluster.ProjectID, cluster.InstanceID, cluster.ClusterID,
		cluster.CPUTarget, cluster.MinNodes, cluster.MaxNodes, cluster.OverloadStep, cluster.Enabled)
	if err != nil {
		return fmt.Errorf("inserting cluster %s: %w", cluster.Key(), err)
	}
	return nil
}

func (p *PostgresStore) UpdateCluster(ctx context.Context, cluster *BigtableCluster) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE autoscale_clusters
SET cpu_target = $4, min_nodes = $5, max_nodes = $6, overload_step = $7, enabled = $8
WHERE project_id = $1 AND instance_id = $2 AND cluster_id = $3`,
		cluster.ProjectID, cluster.InstanceID, cluster.ClusterID,
		cluster.CPUTarget, cluster.MinNodes, cluster.MaxNodes, cluster.OverloadStep, cluster.Enabled)
	if err != nil {
		return fmt.Errorf("updating cluster %s: %w", cluster.Key(), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteCluster(ctx context.Context, projectID, instanceID, clusterID string) error {
	tag, err := p.pool.Exec(ctx, `
DELETE FROM autoscale_clusters
WHERE project_id = $1 AND instance_id = $2 AND cluster_id = $3`,
		projectID, instanceID, clusterID)
	if err != nil {
		return fmt.Errorf("deleting cluster %s/%s/%s: %w", projectID, instanceID, clusterID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetCluster(ctx context.Context, projectID, instanceID, clusterID string) (*BigtableCluster, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+clusterColumns+`
FROM autoscale_clusters
WHERE project_id = $1 AND instance_id = $2 AND cluster_id = $3`,
		projectID, instanceID, clusterID)
	if err != nil {
		return nil, fmt.Errorf("querying cluster %s/%s/%s: %w", projectID, instanceID, clusterID, err)
	}
	defer rows.Close()
	clusters, err := scanClusters(rows)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, ErrNotFound
	}
	return clusters[0], nil
}

func (p *PostgresStore) GetClusters(ctx context.Context) ([]*BigtableCluster, error) {
	rows, err := p.pool.Query(ctx, `
SELECT `+clusterColumns+`
FROM autoscale_clusters
ORDER BY project_id, instance_id, cluster_id`)
	if err != nil {
		return nil, fmt.Errorf("querying clusters: %w", err)
	}
	defer rows.Close()
	return scanClusters(rows)
}

func (p *PostgresStore) SetMinNodesOverride(ctx context.Context, projectID, instanceID, clusterID string, minNodesOverride int32) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE autoscale_clusters
SET min_nodes_override = $4
WHERE project_id = $1 AND instance_id = $2 AND cluster_id = $3`,
		projectID, instanceID, clusterID, minNodesOverride)
	if err != nil {
		return fmt.Errorf("setting min nodes override for %s/%s/%s: %w", projectID, instanceID, clusterID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateNodeCount(ctx context.Context, cluster *BigtableCluster, nodes int32, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
UPDATE autoscale_clusters
SET last_node_count = $4, last_change = $5
WHERE project_id = $1 AND instance_id = $2 AND cluster_id = $3`,
		cluster.ProjectID, cluster.InstanceID, cluster.ClusterID, nodes, at)
	if err != nil {
		return fmt.Errorf("updating node count for %s: %w", cluster.Key(), err)
	}
	return nil
}

func (p *PostgresStore) RecordJobFailure(ctx context.Context, cluster *BigtableCluster, msg string) error {
	_, err := p.pool.Exec(ctx, `
UPDATE autoscale_clusters
SET consecutive_failure_count = consecutive_failure_count + 1, last_failure_message = $4
WHERE project_id = $1 AND instance_id = $2 AND cluster_id = $3`,
		cluster.ProjectID, cluster.InstanceID, cluster.ClusterID, msg)
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", cluster.Key(), err)
	}
	return nil
}

func (p *PostgresStore) ClearFailures(ctx context.Context, cluster *BigtableCluster) error {
	_, err := p.pool.Exec(ctx, `
UPDATE autoscale_clusters
SET consecutive_failure_count = 0, last_failure_message = ''
WHERE project_id = $1 AND instance_id = $2 AND cluster_id = $3`,
		cluster.ProjectID, cluster.InstanceID, cluster.ClusterID)
	if err != nil {
		return fmt.Errorf("clearing failures for %s: %w", cluster.Key(), err)
	}
	return nil
}

func (p *PostgresStore) Healthy(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func scanClusters(rows pgx.Rows) ([]*BigtableCluster, error) {
	var out []*BigtableCluster
	for rows.Next() {
		c := &BigtableCluster{}
		err := rows.Scan(
			&c.ProjectID, &c.InstanceID, &c.ClusterID, &c.CPUTarget, &c.MinNodes, &c.MaxNodes,
			&c.OverloadStep, &c.MinNodesOverride, &c.Enabled, &c.LastChecked, &c.LastChange,
			&c.LastNodeCount, &c.ConsecutiveFailureCount, &c.LastFailureMessage)
		if err != nil {
			return nil, fmt.Errorf("scanning cluster row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading cluster rows: %w", err)
	}
	return out, nil
}

// IsNotFound reports whether err is the store's not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
