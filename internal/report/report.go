package report

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/goccy/go-json"

	"github.com/glassflow/dlq-reconciler/internal/models"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
	dimColor  = color.New(color.FgHiBlack)
)

// WriteSummary prints a per-entity table followed by totals and the run
// verdict. Colour is dropped automatically when w is not a terminal.
func WriteSummary(w io.Writer, r models.RunReport) error {
	mode := "live"
	if r.DryRun {
		mode = warnColor.Sprint("dry run")
	}
	fmt.Fprintf(w, "Run %s (%s) target: %s, max %d messages per entity\n\n",
		r.RunID, mode, r.Target, r.MaxMessagesPerEntity)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tKIND\tINSPECTED\tREMOVED\tREDRIVEN\tSKIPPED\tERRORS\tSTOP")
	for _, o := range r.Outcomes {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			o.Entity.Path,
			o.Entity.Kind,
			o.MessagesInspected,
			o.MessagesRemoved,
			o.MessagesRedriven,
			o.MessagesSkipped,
			len(o.Errors),
			stopLabel(o))
	}
	for _, e := range r.EntitiesSkipped {
		fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\t-\t%s\n", e.Path, e.Kind, dimColor.Sprint("empty"))
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	for _, f := range r.LookupFailures {
		fmt.Fprintf(w, "\n%s %s: %s", failColor.Sprint("LOOKUP FAILED"), f.Category, f.Error)
	}
	for _, o := range r.Outcomes {
		for _, f := range o.Errors {
			fmt.Fprintf(w, "\n%s %s %s: %s", warnColor.Sprint("ERROR"), f.Entity, f.Category, f.Error)
		}
	}

	t := r.Totals()
	fmt.Fprintf(w, "\n\nTotal: %d entities, %d inspected, %d removed, %d redriven, %d skipped, %d errors\n",
		t.Entities, t.Inspected, t.Removed, t.Redriven, t.Skipped, t.Errors)

	switch {
	case r.Cancelled:
		fmt.Fprintln(w, warnColor.Sprint("CANCELLED"), "partial results only")
	case r.Succeeded():
		fmt.Fprintln(w, okColor.Sprint("OK"))
	default:
		fmt.Fprintln(w, failColor.Sprint("FAILED"))
	}
	return nil
}

func stopLabel(o models.DrainOutcome) string {
	switch o.StopReason {
	case models.StopFatal:
		return failColor.Sprint(o.StopReason)
	case models.StopCancelled, models.StopCycled:
		return warnColor.Sprint(o.StopReason)
	default:
		return string(o.StopReason)
	}
}

// WriteEntities prints the located entities and their dead-letter depth.
func WriteEntities(w io.Writer, entities []models.Entity) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tKIND\tDEAD-LETTERED")
	for _, e := range entities {
		depth := fmt.Sprint(e.DeadLetterDepth)
		if e.DeadLetterDepth > 0 {
			depth = warnColor.Sprint(depth)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Path, e.Kind, depth)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write entities: %w", err)
	}
	return nil
}

type document struct {
	models.RunReport
	Totals    models.Totals `json:"totals"`
	Succeeded bool          `json:"succeeded"`
}

func Marshal(r models.RunReport) ([]byte, error) {
	data, err := json.MarshalIndent(document{
		RunReport: r,
		Totals:    r.Totals(),
		Succeeded: r.Succeeded(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return data, nil
}

// WriteJSON writes the report to path, replacing any existing file.
func WriteJSON(path string, r models.RunReport) error {
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
