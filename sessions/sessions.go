// Package sessions provides per-project Bigtable admin sessions for
// autoscale jobs. Sessions are cached per project so that many clusters in
// the same project share one admin connection within and across cycles.
package sessions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"cloud.google.com/go/bigtable"
	backoff "github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/lumahq/bigtable-autoscaler/common/stats"
)

// Session is the admin handle a job uses to inspect and resize clusters of
// one project.
type Session interface {
	// CurrentNodes returns the serve-node count of the given cluster.
	CurrentNodes(ctx context.Context, instanceID, clusterID string) (int32, error)

	// Resize sets the cluster's serve-node count.
	Resize(ctx context.Context, instanceID, clusterID string, nodes int32) error
}

// Provider yields a Session scoped to a project. Acquisition and lifecycle
// are the provider's concern; jobs only consume the handle.
type Provider interface {
	Session(ctx context.Context, projectID string) (Session, error)
}

// GoogleProvider caches Bigtable instance-admin clients per project in an
// LRU; evicted clients are closed.
type GoogleProvider struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *btSession]
	opts  []option.ClientOption
	stat  stats.StatsReceiver
}

func NewGoogleProvider(cacheSize int, stat stats.StatsReceiver, opts ...option.ClientOption) (*GoogleProvider, error) {
	cache, err := lru.NewWithEvict(cacheSize, func(project string, s *btSession) {
		if err := s.admin.Close(); err != nil {
			log.WithFields(log.Fields{"project": project, "err": err}).Warn("closing evicted admin client")
		}
	})
	if err != nil {
		return nil, err
	}
	return &GoogleProvider{cache: cache, opts: opts, stat: stat}, nil
}

func (p *GoogleProvider) Session(ctx context.Context, projectID string) (Session, error) {
	// The create path is serialized so concurrent jobs for the same project
	// do not dial duplicate admin clients.
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.cache.Get(projectID); ok {
		p.stat.Counter(stats.SessionCacheHitsCounter).Inc(1)
		return s, nil
	}
	p.stat.Counter(stats.SessionCacheMissesCounter).Inc(1)

	var admin *bigtable.InstanceAdminClient
	dial := func() error {
		var err error
		admin, err = bigtable.NewInstanceAdminClient(ctx, projectID, p.opts...)
		return err
	}
	if err := backoff.Retry(dial, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)); err != nil {
		return nil, fmt.Errorf("dialing instance admin client for project %s: %w", projectID, err)
	}
	s := &btSession{admin: admin}
	p.cache.Add(projectID, s)
	return s, nil
}

type btSession struct {
	admin *bigtable.InstanceAdminClient
}

func (s *btSession) CurrentNodes(ctx context.Context, instanceID, clusterID string) (int32, error) {
	infos, err := s.admin.Clusters(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("listing clusters of instance %s: %w", instanceID, err)
	}
	for _, info := range infos {
		// info.Name may be the short ID or the full resource path depending
		// on the API surface; match the trailing component.
		if info.Name == clusterID || strings.HasSuffix(info.Name, "/"+clusterID) {
			return int32(info.ServeNodes), nil
		}
	}
	return 0, fmt.Errorf("cluster %s not found in instance %s", clusterID, instanceID)
}

func (s *btSession) Resize(ctx context.Context, instanceID, clusterID string, nodes int32) error {
	if err := s.admin.UpdateCluster(ctx, instanceID, clusterID, nodes); err != nil {
		return fmt.Errorf("resizing cluster %s/%s to %d nodes: %w", instanceID, clusterID, nodes, err)
	}
	return nil
}
