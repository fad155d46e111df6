package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/bootstrap"
	"github.com/okian/liquid/internal/domain/model"
)

func runCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs one calculation and prints its result",
		RunE:  runFunc,
	}
	AddDecisionFlags(c.Flags())
	return c
}

func runFunc(c *cobra.Command, _ []string) error {
	dc, err := ParseDecisionFlags(c.Flags())
	if err != nil {
		return err
	}
	cfg, backend, err := open(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	orch, err := bootstrap.Orchestrator(cfg, backend)
	if err != nil {
		return err
	}
	out, err := orch.Run(c.Context(), service.Request{DecisionID: model.DecisionID(dc.Decision)})
	if err != nil {
		return err
	}

	w := c.OutOrStdout()
	if dc.JSON {
		return printJSON(w, struct {
			Record   model.CalculationRecord `json:"record"`
			Warnings []string                `json:"warnings,omitempty"`
			Result   *model.TallyResult      `json:"result"`
		}{out.Record, out.Warnings, out.Result})
	}
	printResult(w, out.Record, out.Result)
	for _, warn := range out.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	return nil
}

func printResult(w io.Writer, rec model.CalculationRecord, res *model.TallyResult) {
	fmt.Fprintf(w, "record %s: %s\n", rec.ID, rec.Status)
	switch {
	case res == nil:
	case res.Unresolved():
		fmt.Fprintf(w, "unresolved tie: %s\n", joinChoices(res.Tied))
	default:
		fmt.Fprintf(w, "winner: %s\n", res.Winner)
	}
	if res != nil {
		for _, line := range res.Audit {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
	for _, e := range rec.Errors {
		fmt.Fprintf(w, "error [%s] %s: %s\n", e.Status, e.Kind, e.Message)
	}
}

func joinChoices(ids []model.ChoiceID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}

func sweepCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "sweep",
		Short: "Retries failed calculations and marks stuck ones corrupted",
		RunE:  sweepFunc,
	}
	c.Flags().Bool(JSONKey, false, "Print JSON instead of text")
	return c
}

func sweepFunc(c *cobra.Command, _ []string) error {
	asJSON, err := c.Flags().GetBool(JSONKey)
	if err != nil {
		return err
	}
	cfg, backend, err := open(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	orch, err := bootstrap.Orchestrator(cfg, backend)
	if err != nil {
		return err
	}
	sweeper := service.NewSweeper(backend.Store, service.InlineRetrier(orch), bootstrap.SweeperOptions(cfg)...)
	report, err := sweeper.Sweep(c.Context())
	if err != nil {
		return err
	}

	w := c.OutOrStdout()
	if asJSON {
		return printJSON(w, report)
	}
	fmt.Fprintf(w, "retried: %d\ngave up: %d\ncorrupted: %d\nwaiting: %d\nsuperseded: %d\n",
		len(report.Retried), len(report.GaveUp), len(report.Corrupted), report.Waiting, report.Superseded)
	for _, msg := range report.Errors {
		fmt.Fprintf(w, "error: %s\n", msg)
	}
	return nil
}

func statusCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Prints the latest calculation record of a decision",
		RunE:  statusFunc,
	}
	AddDecisionFlags(c.Flags())
	return c
}

func statusFunc(c *cobra.Command, _ []string) error {
	dc, err := ParseDecisionFlags(c.Flags())
	if err != nil {
		return err
	}
	_, backend, err := open(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	rec, err := backend.Store.LatestRecord(c.Context(), model.DecisionID(dc.Decision))
	if err != nil {
		return err
	}

	w := c.OutOrStdout()
	if dc.JSON {
		return printJSON(w, rec)
	}
	fmt.Fprintf(w, "record %s: %s (retries %d, final %t)\n", rec.ID, rec.Status, rec.Retries, rec.Final)
	for _, e := range rec.Errors {
		fmt.Fprintf(w, "error [%s] %s: %s\n", e.Status, e.Kind, e.Message)
	}
	return nil
}

func ballotsCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "ballots",
		Short: "Prints the effective ballots of a decision's final calculation",
		RunE:  ballotsFunc,
	}
	AddDecisionFlags(c.Flags())
	return c
}

func ballotsFunc(c *cobra.Command, _ []string) error {
	dc, err := ParseDecisionFlags(c.Flags())
	if err != nil {
		return err
	}
	_, backend, err := open(c)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx := c.Context()
	rec, err := backend.Store.FinalRecord(ctx, model.DecisionID(dc.Decision))
	if err != nil {
		return err
	}
	ballots, err := backend.Store.Ballots(ctx, rec.ID)
	if err != nil {
		return err
	}

	w := c.OutOrStdout()
	if dc.JSON {
		return printJSON(w, ballots)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MEMBER\tSOURCE\tVOTING\tSCORES")
	for _, b := range ballots {
		scores := make([]string, 0, len(b.Scores))
		for _, id := range b.Scores.Choices() {
			scores = append(scores, fmt.Sprintf("%s=%s", id, b.Scores[id].String()))
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", b.MemberID, b.Source, b.Voting, strings.Join(scores, " "))
	}
	return tw.Flush()
}
