// Package api is the administrative HTTP surface: cluster registration CRUD,
// the min-nodes override, a store-backed health check, and rendered metrics.
// Boundary validation (identifier presence, scaling bounds, override not
// exceeding maxNodes) lives here; the scheduling loop trusts stored clusters.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/lumahq/bigtable-autoscaler/common/stats"
	"github.com/lumahq/bigtable-autoscaler/db"
)

type Handler struct {
	database db.Database
	stat     stats.StatsReceiver
}

func NewHandler(database db.Database, stat stats.StatsReceiver) *Handler {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Handler{database: database, stat: stat}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/clusters", func(r chi.Router) {
		r.Get("/", h.getClusters)
		r.Post("/", h.createCluster)
		r.Put("/", h.updateCluster)
		r.Delete("/", h.deleteCluster)
		r.Put("/override-min-nodes", h.overrideMinNodes)
	})
	r.Get("/healthcheck", h.healthcheck)
	r.Get("/metrics.json", h.metrics)
	return r
}

func (h *Handler) getClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := h.database.GetClusters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if clusters == nil {
		clusters = []*db.BigtableCluster{}
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (h *Handler) createCluster(w http.ResponseWriter, r *http.Request) {
	cluster, ok := decodeCluster(w, r)
	if !ok {
		return
	}
	if err := h.database.InsertCluster(r.Context(), cluster); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.WithFields(log.Fields{"cluster": cluster.Key()}).Info("registered cluster")
	writeJSON(w, http.StatusOK, cluster)
}

func (h *Handler) updateCluster(w http.ResponseWriter, r *http.Request) {
	cluster, ok := decodeCluster(w, r)
	if !ok {
		return
	}
	if err := h.database.UpdateCluster(r.Context(), cluster); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.WithFields(log.Fields{"cluster": cluster.Key()}).Info("updated cluster")
	writeJSON(w, http.StatusOK, cluster)
}

func (h *Handler) deleteCluster(w http.ResponseWriter, r *http.Request) {
	projectID, instanceID, clusterID, ok := clusterParams(w, r)
	if !ok {
		return
	}
	if err := h.database.DeleteCluster(r.Context(), projectID, instanceID, clusterID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.WithFields(log.Fields{
		"cluster": projectID + "/" + instanceID + "/" + clusterID,
	}).Info("deleted cluster")
	w.WriteHeader(http.StatusOK)
}

// overrideMinNodes sets a temporary node floor for a cluster expecting extra
// load. The override may not exceed the cluster's configured maximum.
func (h *Handler) overrideMinNodes(w http.ResponseWriter, r *http.Request) {
	projectID, instanceID, clusterID, ok := clusterParams(w, r)
	if !ok {
		return
	}
	override, err := strconv.ParseInt(r.URL.Query().Get("minNodesOverride"), 10, 32)
	if err != nil || override < 0 {
		writeError(w, http.StatusBadRequest, errors.New("minNodesOverride must be a non-negative integer"))
		return
	}

	cluster, err := h.database.GetCluster(r.Context(), projectID, instanceID, clusterID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if int32(override) > cluster.MaxNodes {
		writeError(w, http.StatusBadRequest, errors.New("minNodesOverride must not exceed maxNodes"))
		return
	}

	if err := h.database.SetMinNodesOverride(r.Context(), projectID, instanceID, clusterID, int32(override)); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	log.WithFields(log.Fields{
		"cluster":          cluster.Key(),
		"minNodesOverride": override,
	}).Info("set min nodes override")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) healthcheck(w http.ResponseWriter, r *http.Request) {
	if err := h.database.Healthy(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	pretty := r.URL.Query().Get("pretty") == "true"
	w.Header().Set("Content-Type", "application/json")
	w.Write(h.stat.Render(pretty))
}

func decodeCluster(w http.ResponseWriter, r *http.Request) (*db.BigtableCluster, bool) {
	cluster := &db.BigtableCluster{}
	if err := json.NewDecoder(r.Body).Decode(cluster); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	if err := cluster.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	return cluster, true
}

func clusterParams(w http.ResponseWriter, r *http.Request) (projectID, instanceID, clusterID string, ok bool) {
	q := r.URL.Query()
	projectID, instanceID, clusterID = q.Get("projectId"), q.Get("instanceId"), q.Get("clusterId")
	if projectID == "" || instanceID == "" || clusterID == "" {
		writeError(w, http.StatusBadRequest, errors.New("projectId, instanceId and clusterId are required"))
		return "", "", "", false
	}
	return projectID, instanceID, clusterID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("encoding response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
