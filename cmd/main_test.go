package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/bootstrap"
	"github.com/okian/liquid/internal/config"
	"github.com/okian/liquid/pkg/logger"
	"github.com/okian/liquid/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smartystreets/goconvey/convey"
)

const community = `
community: c1
members: [{id: a}, {id: b}, {id: c}]
follows:
  - {follower: c, followee: a, tags: [ALL]}
decisions: [{id: d1, choices: [A, B]}]
ballots:
  - {decision: d1, voter: a, scores: {A: 5, B: 1}}
  - {decision: d1, voter: b, scores: {A: 1, B: 4}}
`

func init() {
	_ = logger.Init(logger.WithWriter(io.Discard))
}

// setenv sets key for the rest of the current Convey leaf.
func setenv(key, value string) {
	old, had := os.LookupEnv(key)
	_ = os.Setenv(key, value)
	convey.Reset(func() {
		if had {
			_ = os.Setenv(key, old)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func seededConfig(t *testing.T) *config.Config {
	cfg := config.New()
	cfg.Addr = "127.0.0.1:0"
	cfg.WorkerCount = 2
	cfg.FixturePath = filepath.Join(t.TempDir(), "community.yaml")
	convey.So(os.WriteFile(cfg.FixturePath, []byte(community), 0o600), convey.ShouldBeNil)
	return cfg
}

func startService(ctx context.Context, cfg *config.Config) (*service.Service, *bootstrap.Backend) {
	backend, err := bootstrap.Open(ctx, cfg)
	convey.So(err, convey.ShouldBeNil)
	convey.So(bootstrap.Seed(ctx, cfg, backend), convey.ShouldBeNil)
	orch, err := bootstrap.Orchestrator(cfg, backend)
	convey.So(err, convey.ShouldBeNil)
	svc := bootstrap.Service(cfg, orch, backend)
	convey.So(svc.Start(ctx), convey.ShouldBeNil)
	return svc, backend
}

func TestConfigFromEnvironment(t *testing.T) {
	convey.Convey("Given LIQUID_ environment overrides", t, func() {
		setenv("LIQUID_ADDR", ":8181")
		setenv("LIQUID_QUEUE_SIZE", "1000")
		setenv("LIQUID_WORKER_COUNT", "4")
		setenv("LIQUID_STORAGE_DRIVER", "sqlite")

		convey.Convey("Then configuration should be loadable", func() {
			cfg, err := config.Load(context.Background())
			convey.So(err, convey.ShouldBeNil)
			convey.So(cfg.Addr, convey.ShouldEqual, ":8181")
			convey.So(cfg.QueueSize, convey.ShouldEqual, 1000)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, 4)
			convey.So(cfg.StorageDriver, convey.ShouldEqual, config.DriverSQLite)
		})
	})
}

func TestHTTPServer(t *testing.T) {
	convey.Convey("Given a seeded service behind the API", t, func() {
		ctx := context.Background()
		cfg := seededConfig(t)
		svc, backend := startService(ctx, cfg)
		defer backend.Close()
		defer func() { _ = svc.Stop(ctx) }()

		srv := newHTTPServer(ctx, cfg, svc)
		convey.So(srv.ReadHeaderTimeout, convey.ShouldEqual, readHeaderTimeout)
		ts := httptest.NewServer(srv.Handler)
		defer ts.Close()

		convey.Convey("When a vote change is posted", func() {
			resp, err := http.Post(ts.URL+"/events", "application/json",
				strings.NewReader(`{"kind":"vote","decision_id":"d1"}`))
			convey.So(err, convey.ShouldBeNil)
			resp.Body.Close()
			convey.So(resp.StatusCode, convey.ShouldEqual, http.StatusAccepted)

			convey.Convey("Then the final result becomes available", func() {
				var body struct {
					Record struct {
						Final bool `json:"final"`
					} `json:"record"`
					Result struct {
						Winner  string `json:"winner"`
						Ballots int    `json:"ballots"`
					} `json:"result"`
				}
				deadline := time.Now().Add(5 * time.Second)
				status := 0
				for time.Now().Before(deadline) {
					r, err := http.Get(ts.URL + "/results/d1")
					convey.So(err, convey.ShouldBeNil)
					status = r.StatusCode
					if status == http.StatusOK {
						convey.So(json.NewDecoder(r.Body).Decode(&body), convey.ShouldBeNil)
						r.Body.Close()
						break
					}
					r.Body.Close()
					time.Sleep(10 * time.Millisecond)
				}
				convey.So(status, convey.ShouldEqual, http.StatusOK)
				convey.So(body.Record.Final, convey.ShouldBeTrue)
				convey.So(body.Result.Winner, convey.ShouldEqual, "A")
				convey.So(body.Result.Ballots, convey.ShouldEqual, 3)
			})
		})

		convey.Convey("When an unknown decision is queried", func() {
			r, err := http.Get(ts.URL + "/results/nope")
			convey.So(err, convey.ShouldBeNil)
			r.Body.Close()
			convey.So(r.StatusCode, convey.ShouldEqual, http.StatusNotFound)
		})

		convey.Convey("When the service metrics are refreshed", func() {
			convey.So(func() { updateServiceMetrics(svc) }, convey.ShouldNotPanic)
		})
	})
}

func TestRun(t *testing.T) {
	convey.Convey("Given a configuration on an ephemeral port", t, func() {
		cfg := seededConfig(t)

		convey.Convey("When the context is cancelled", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			convey.Convey("Then run shuts down cleanly", func() {
				convey.So(run(ctx, cfg), convey.ShouldBeNil)
			})
		})

		convey.Convey("When the storage driver is unknown", func() {
			cfg.StorageDriver = "mongo"
			convey.So(run(context.Background(), cfg), convey.ShouldNotBeNil)
		})

		convey.Convey("When the fixture is missing", func() {
			cfg.FixturePath = filepath.Join(t.TempDir(), "missing.yaml")
			convey.So(run(context.Background(), cfg), convey.ShouldNotBeNil)
		})
	})
}

func TestRuntimeCollectors(t *testing.T) {
	convey.Convey("Given a registry", t, func() {
		reg := prometheus.NewRegistry()

		convey.Convey("Then collectors register once and tolerate repeats", func() {
			convey.So(func() {
				registerRuntimeCollectors(reg)
				registerRuntimeCollectors(reg)
				registerRuntimeCollectors(metrics.GetRegistry())
			}, convey.ShouldNotPanic)
			families, err := reg.Gather()
			convey.So(err, convey.ShouldBeNil)
			convey.So(len(families), convey.ShouldBeGreaterThan, 0)
		})
	})
}
