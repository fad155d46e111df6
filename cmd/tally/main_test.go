package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/liquid/internal/adapters/repository"
	"github.com/okian/liquid/internal/config"
	. "github.com/smartystreets/goconvey/convey"
)

const community = `
community: c1
members: [{id: a}, {id: b}, {id: c}, {id: l, voting: false}]
follows:
  - {follower: c, followee: a, tags: [ALL]}
decisions: [{id: d1, choices: [A, B], labels: [Alpha, Beta]}]
ballots:
  - {decision: d1, voter: a, scores: {A: 5, B: 1}}
  - {decision: d1, voter: b, scores: {A: 1, B: 4}}
  - {decision: d1, voter: l, scores: {A: 0, B: 5}}
`

// execute runs the CLI with args and returns stdout.
func execute(args ...string) (string, error) {
	var out, errOut bytes.Buffer
	c := Command()
	c.SetArgs(args)
	c.SetOut(&out)
	c.SetErr(&errOut)
	err := c.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFixture(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "community.yaml")
	So(os.WriteFile(path, []byte(community), 0o600), ShouldBeNil)
	return path
}

func TestRun(t *testing.T) {
	Convey("Given a fixture on the in-memory driver", t, func() {
		fixture := writeFixture(t)

		Convey("When run prints text", func() {
			out, err := execute("run", "--fixture", fixture, "--decision", "d1")
			So(err, ShouldBeNil)

			Convey("Then the winner and audit trail are shown", func() {
				So(out, ShouldContainSubstring, "completed")
				So(out, ShouldContainSubstring, "winner: A")
				So(out, ShouldContainSubstring, "Alpha wins the automatic runoff 2-1")
			})
		})

		Convey("When run prints JSON", func() {
			out, err := execute("run", "--fixture", fixture, "--decision", "d1", "--json")
			So(err, ShouldBeNil)

			var doc struct {
				Record struct {
					Final bool `json:"final"`
				} `json:"record"`
				Result struct {
					Winner  string `json:"winner"`
					Ballots int    `json:"ballots"`
				} `json:"result"`
			}
			So(json.Unmarshal([]byte(out), &doc), ShouldBeNil)
			So(doc.Record.Final, ShouldBeTrue)
			So(doc.Result.Winner, ShouldEqual, "A")
			So(doc.Result.Ballots, ShouldEqual, 3)
		})

		Convey("When the decision flag is missing", func() {
			_, err := execute("run", "--fixture", fixture)
			So(errors.Is(err, errMissingDecision), ShouldBeTrue)
		})

		Convey("When the decision does not exist", func() {
			_, err := execute("run", "--fixture", fixture, "--decision", "nope")
			So(err, ShouldNotBeNil)
		})

		Convey("When the storage driver is unknown", func() {
			_, err := execute("run", "--storage-driver", "mongo", "--decision", "d1")
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}

func TestPersistentCommands(t *testing.T) {
	Convey("Given a calculation persisted to sqlite", t, func() {
		fixture := writeFixture(t)
		db := filepath.Join(t.TempDir(), "liquid.db")
		_, err := execute("run", "--storage-driver", "sqlite", "--sqlite-path", db,
			"--fixture", fixture, "--decision", "d1")
		So(err, ShouldBeNil)
		flags := []string{"--storage-driver", "sqlite", "--sqlite-path", db}

		Convey("Then status shows the completed final record", func() {
			out, err := execute(append([]string{"status", "--decision", "d1"}, flags...)...)
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, ": completed (retries 0, final true)")
		})

		Convey("Then ballots lists every effective ballot", func() {
			out, err := execute(append([]string{"ballots", "--decision", "d1"}, flags...)...)
			So(err, ShouldBeNil)
			So(out, ShouldContainSubstring, "MEMBER")
			So(out, ShouldContainSubstring, "calculated")
			So(out, ShouldContainSubstring, "false")

			out, err = execute(append([]string{"ballots", "--decision", "d1", "--json"}, flags...)...)
			So(err, ShouldBeNil)
			var ballots []map[string]any
			So(json.Unmarshal([]byte(out), &ballots), ShouldBeNil)
			So(len(ballots), ShouldEqual, 4)
		})

		Convey("Then a sweep finds nothing to do", func() {
			out, err := execute(append([]string{"sweep", "--json"}, flags...)...)
			So(err, ShouldBeNil)
			var report struct {
				Retried []string `json:"retried"`
				Waiting int      `json:"waiting"`
			}
			So(json.Unmarshal([]byte(out), &report), ShouldBeNil)
			So(report.Retried, ShouldBeEmpty)
			So(report.Waiting, ShouldEqual, 0)
		})

		Convey("Then status of an unknown decision is not found", func() {
			_, err := execute(append([]string{"status", "--decision", "d9"}, flags...)...)
			So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
		})
	})
}

func TestLoadFlags(t *testing.T) {
	Convey("Given the load command flags", t, func() {
		c := loadCommand()

		Convey("Then decisions are required", func() {
			So(c.Flags().Parse([]string{"--events", "10"}), ShouldBeNil)
			_, err := ParseLoadFlags(c.Flags())
			So(err, ShouldNotBeNil)
		})

		Convey("Then explicit values are carried into the config", func() {
			So(c.Flags().Parse([]string{
				"--url", "http://127.0.0.1:1", "--decisions", "d1,d2",
				"--community", "c1", "--events", "10", "--workers", "3", "--seed", "9",
			}), ShouldBeNil)
			cfg, err := ParseLoadFlags(c.Flags())
			So(err, ShouldBeNil)
			So(cfg.BaseURL, ShouldEqual, "http://127.0.0.1:1")
			So(cfg.Decisions, ShouldResemble, []string{"d1", "d2"})
			So(cfg.CommunityID, ShouldEqual, "c1")
			So(cfg.NumEvents, ShouldEqual, 10)
			So(cfg.Workers, ShouldEqual, 3)
			So(cfg.Seed, ShouldEqual, uint64(9))
		})

		Convey("Then an unreachable server fails the command", func() {
			_, err := execute("load", "--url", "http://127.0.0.1:1", "--decisions", "d1", "--timeout", "200ms")
			So(err, ShouldNotBeNil)
		})
	})
}
