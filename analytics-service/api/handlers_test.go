package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"task-pipeline/analytics-service/aggregator"
	"task-pipeline/domain"
)

type staticSource struct {
	tally aggregator.Tally
}

func (s staticSource) Snapshot() aggregator.Tally { return s.tally.Clone() }

type stubCluster struct {
	tally     aggregator.Tally
	instances []string
	err       error
}

func (s stubCluster) Cluster(context.Context) (aggregator.Tally, []string, error) {
	return s.tally, s.instances, s.err
}

func serve(t *testing.T, src TallySource, cluster ClusterView, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	Register(e, src, cluster, nil)
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestStatsEmpty(t *testing.T) {
	src := staticSource{tally: aggregator.Tally{ByType: map[string]int64{}}}
	rec := serve(t, src, nil, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"total":0,"byType":{},"lastEvent":null}` {
		t.Fatalf("unexpected body %s", got)
	}
}

func TestStatsSnapshot(t *testing.T) {
	last := `{"type":"task.created","userId":"u1","task":{"id":"t1","title":"A"},"origin":"import"}`
	src := staticSource{tally: aggregator.Tally{
		Total:     2,
		ByType:    map[string]int64{domain.TaskCreated: 2},
		LastEvent: json.RawMessage(last),
	}}
	rec := serve(t, src, nil, "/stats")

	var got aggregator.Tally
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev, ok := got.Last()
	if got.Total != 2 || got.ByType[domain.TaskCreated] != 2 || !ok || ev.Task.ID != "t1" {
		t.Fatalf("unexpected stats %s", rec.Body.String())
	}
	if string(got.LastEvent) != last {
		t.Fatalf("lastEvent not reported as observed: %s", got.LastEvent)
	}
}

func TestStatsClusterScope(t *testing.T) {
	src := staticSource{tally: aggregator.Tally{ByType: map[string]int64{}}}
	cluster := stubCluster{
		tally:     aggregator.Tally{Total: 7, ByType: map[string]int64{domain.TaskDeleted: 7}},
		instances: []string{"A", "B"},
	}
	rec := serve(t, src, cluster, "/stats?scope=cluster")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got struct {
		Total     int64            `json:"total"`
		ByType    map[string]int64 `json:"byType"`
		Instances []string         `json:"instances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 7 || got.ByType[domain.TaskDeleted] != 7 || len(got.Instances) != 2 {
		t.Fatalf("unexpected cluster stats %s", rec.Body.String())
	}
}

func TestStatsClusterErrors(t *testing.T) {
	src := staticSource{tally: aggregator.Tally{ByType: map[string]int64{}}}
	tests := []struct {
		name    string
		cluster ClusterView
		target  string
		want    int
	}{
		{name: "noMirror", target: "/stats?scope=cluster", want: http.StatusServiceUnavailable},
		{name: "redisDown", cluster: stubCluster{err: errors.New("dial tcp: refused")}, target: "/stats?scope=cluster", want: http.StatusBadGateway},
		{name: "unknownScope", target: "/stats?scope=galaxy", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(t, src, tt.cluster, tt.target); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	rec := serve(t, staticSource{}, nil, "/health")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Fatalf("unexpected health %d %s", rec.Code, rec.Body.String())
	}
}
