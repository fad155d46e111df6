package config_test

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/okian/liquid/internal/config"
	"github.com/smartystreets/goconvey/convey"
)

func TestConfig_New(t *testing.T) {
	convey.Convey("Given a new config with default options", t, func() {
		cfg := config.New()

		convey.Convey("Then it should have sensible defaults", func() {
			convey.So(cfg.Addr, convey.ShouldEqual, ":9080")
			convey.So(cfg.QueueSize, convey.ShouldEqual, 10_000)
			convey.So(cfg.WorkerCount, convey.ShouldEqual, runtime.NumCPU()*2)
			convey.So(cfg.StorageDriver, convey.ShouldEqual, config.DriverMemory)
			convey.So(cfg.SnapshotTimeout(), convey.ShouldEqual, 30*time.Second)
			convey.So(cfg.MaxDelegationDepth, convey.ShouldEqual, 64)
			convey.So(cfg.ScoreMin, convey.ShouldEqual, int64(0))
			convey.So(cfg.ScoreMax, convey.ShouldEqual, int64(5))
			convey.So(cfg.RetryMax, convey.ShouldEqual, 3)
			convey.So(cfg.RetryCooldown(), convey.ShouldEqual, 30*time.Minute)
			convey.So(cfg.StuckAfter(), convey.ShouldEqual, 2*time.Hour)
			convey.So(cfg.SweepInterval(), convey.ShouldEqual, time.Minute)
			convey.So(cfg.Validate(), convey.ShouldBeNil)
		})
	})

	convey.Convey("Given invalid settings", t, func() {
		cases := map[string]func(*config.Config){
			"empty addr":       func(c *config.Config) { c.Addr = " " },
			"inverted scores":  func(c *config.Config) { c.ScoreMin, c.ScoreMax = 5, 5 },
			"zero timeout":     func(c *config.Config) { c.SnapshotTimeoutMS = 0 },
			"zero queue":       func(c *config.Config) { c.QueueSize = 0 },
			"negative retries": func(c *config.Config) { c.RetryMax = -1 },
			"unknown driver":   func(c *config.Config) { c.StorageDriver = "mongo" },
			"postgres sans dsn": func(c *config.Config) {
				c.StorageDriver = config.DriverPostgres
			},
			"sqlite sans path": func(c *config.Config) {
				c.StorageDriver = config.DriverSQLite
				c.SQLitePath = ""
			},
		}
		for name, mutate := range cases {
			cfg := config.New()
			mutate(cfg)
			err := cfg.Validate()
			convey.So(errors.Is(err, config.ErrInvalidConfig), convey.ShouldBeTrue)
			convey.So(err.Error(), convey.ShouldNotBeBlank)
			convey.So(name, convey.ShouldNotBeBlank)
			convey.So(errors.Is(err, config.ErrUnknownDriver), convey.ShouldEqual, name == "unknown driver")
		}
	})
}
