package cloud

import (
	"fmt"
	"io"
	"strings"
)

// Report field labels, in display order.
const (
	FieldIterations    = "Num. iterations"
	FieldPoints        = "Num. points"
	FieldRMSE          = "RMSE"
	FieldSEUW          = "SEUW"
	FieldCameraError   = "Camera error"
	FieldControlScale  = "Control scale error"
	FieldCheckScale    = "Check scale error"
	FieldControlPoint  = "Control point error"
	FieldCheckPoint    = "Check point error"
	FieldLevel         = "Level"
	FieldLowProjection = "Num. proj. <100"
	FieldReversals     = "Rev. it. / pts."
)

// ReportRow is one labelled line of a step report. Value is empty when the
// statistic is unavailable.
type ReportRow struct {
	Label string
	Value string
}

// formatChange renders "before ---> after" or an empty string if either
// side is unavailable.
func formatChange(c Change, verb string) string {
	if !c.Available() {
		return ""
	}
	return fmt.Sprintf("%-10s ---> %-10s", fmt.Sprintf(verb, c.Before.Value), fmt.Sprintf(verb, c.After.Value))
}

func withUnit(s, unit string) string {
	if s == "" {
		return ""
	}
	return strings.TrimRight(s, " ") + " " + unit
}

// ReportRows lists the report fields of a result. Level and reversal rows
// are omitted for the RMSE step.
func ReportRows(r *RunResult) []ReportRow {
	rows := []ReportRow{
		{FieldIterations, fmt.Sprintf("%d", r.Iterations)},
		{FieldPoints, fmt.Sprintf("%-10d ---> %-10d", r.Points.Before, r.Points.After)},
		{FieldRMSE, withUnit(formatChange(r.RMS, "%.5f"), "(pix)")},
		{FieldSEUW, strings.TrimRight(formatChange(r.SEUW, "%.5f"), " ")},
		{FieldCameraError, withUnit(formatChange(r.CameraError, "%.5f"), "(m)")},
		{FieldControlScale, withUnit(formatChange(r.ControlScaleError, "%.6f"), "(m)")},
		{FieldCheckScale, withUnit(formatChange(r.CheckScaleError, "%.6f"), "(m)")},
		{FieldControlPoint, withUnit(formatChange(r.ControlPointError, "%.6f"), "(m)")},
		{FieldCheckPoint, withUnit(formatChange(r.CheckPointError, "%.6f"), "(m)")},
	}
	if !r.Criterion.UsesRMSETarget() {
		rows = append(rows, ReportRow{FieldLevel, strings.TrimRight(formatChange(r.Threshold, "%.6f"), " ")})
	}
	rows = append(rows, ReportRow{FieldLowProjection,
		strings.TrimRight(fmt.Sprintf("%-10d ---> %-10d", r.LowProjection.Before, r.LowProjection.After), " ")})
	if !r.Criterion.UsesRMSETarget() {
		rev := ""
		if r.Iterations > 0 {
			rev = fmt.Sprintf("%d / %d", r.ReversalCount, r.ReversalPoints)
		}
		rows = append(rows, ReportRow{FieldReversals, rev})
	}
	for i := range rows {
		rows[i].Value = strings.TrimRight(rows[i].Value, " ")
	}
	return rows
}

// WriteReport writes the tree report of one chunk: a header per step with
// its rows indented below it. Steps without a result are listed as not run.
func WriteReport(w io.Writer, chunk string, results map[int]*RunResult) error {
	if _, err := fmt.Fprintf(w, "Chunk: %s\n", chunk); err != nil {
		return err
	}
	for _, c := range Criteria {
		r, ok := results[c.StepIndex()]
		header := fmt.Sprintf("Step %d: %s", c.StepIndex()+1, c.Label())
		if !ok || r == nil {
			if _, err := fmt.Fprintf(w, "%s (not run)\n", header); err != nil {
				return err
			}
			continue
		}
		status := string(r.Status)
		if status != "" {
			header += " [" + status + "]"
		}
		if _, err := fmt.Fprintln(w, header); err != nil {
			return err
		}
		for _, row := range ReportRows(r) {
			if _, err := fmt.Fprintf(w, "  %-20s %s\n", row.Label, row.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkbox(on bool) string {
	if on {
		return "[x]"
	}
	return "[ ]"
}

// RunBanner describes a step configuration before it runs, including the
// optimizer flag grid.
func RunBanner(cfg StepConfiguration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Step %d: %s\n", cfg.Criterion.StepIndex()+1, cfg.Criterion.Label())
	fmt.Fprintf(&b, "  target percent:     %g %%\n", cfg.TargetPercent)
	fmt.Fprintf(&b, "  target threshold:   %g\n", cfg.TargetThreshold)
	fmt.Fprintf(&b, "  max iterations:     %d\n", cfg.MaxIterations)
	fmt.Fprintf(&b, "  tie point accuracy: %g px\n", cfg.TiePointAccuracy)
	params := ParamsFromFlags(cfg.Fit).Ordered()
	for i, p := range params {
		fmt.Fprintf(&b, "  %s %-20s", checkbox(p.Value), p.Name)
		if i%3 == 2 || i == len(params)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
