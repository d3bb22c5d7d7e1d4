package api

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-pipeline/analytics-service/aggregator"
)

type TallySource interface {
	Snapshot() aggregator.Tally
}

// ClusterView serves the tally merged across every live instance.
type ClusterView interface {
	Cluster(ctx context.Context) (aggregator.Tally, []string, error)
}

type clusterStats struct {
	aggregator.Tally
	Instances []string `json:"instances"`
}

type handler struct {
	source  TallySource
	cluster ClusterView
	log     log.FieldLogger
}

// Register wires the read-only stats endpoints. cluster may be nil when no
// mirror is configured.
func Register(e *echo.Echo, source TallySource, cluster ClusterView, logger log.FieldLogger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handler{source: source, cluster: cluster, log: logger.WithField("component", "stats-api")}
	e.GET("/stats", h.stats)
	e.GET("/health", h.health)
}

func (h *handler) stats(c echo.Context) error {
	switch c.QueryParam("scope") {
	case "", "instance":
		return c.JSON(http.StatusOK, h.source.Snapshot())
	case "cluster":
		if h.cluster == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "cluster view requires REDIS_URL"})
		}
		tally, instances, err := h.cluster.Cluster(c.Request().Context())
		if err != nil {
			h.log.WithError(err).Error("cluster tally failed")
			return c.JSON(http.StatusBadGateway, map[string]string{"error": "cluster view unavailable"})
		}
		if instances == nil {
			instances = []string{}
		}
		return c.JSON(http.StatusOK, clusterStats{Tally: tally, Instances: instances})
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown scope"})
	}
}

func (h *handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
