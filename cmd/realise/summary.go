package main

import (
	"encoding/json"
	"fmt"
	"io"
	"realiser/internal/build"
	"realiser/internal/goal"
	"realiser/internal/storepath"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// targetSummary is the outcome of one requested target.
type targetSummary struct {
	Target  string            `json:"target"`
	Status  string            `json:"status"`
	Failure string            `json:"failure,omitempty"`
	Error   string            `json:"error,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

func summarise(dir storepath.Dir, targets []string, results []goal.Result) []targetSummary {
	rows := make([]targetSummary, len(targets))
	for i, r := range results {
		row := targetSummary{Target: targets[i], Status: "ok"}
		if !r.OK() {
			row.Status = "failed"
			row.Failure = r.Failure.String()
			if r.Err != nil {
				row.Error = r.Err.Error()
			}
		} else if out, ok := r.Payload.(build.Outputs); ok {
			row.Outputs = make(map[string]string, len(out.Paths))
			for name, p := range out.Paths {
				row.Outputs[name] = dir.Print(p)
			}
		}
		rows[i] = row
	}
	return rows
}

func writeSummary(w io.Writer, format string, rows []targetSummary) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "table":
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.AppendHeader(table.Row{"Target", "Status", "Output", "Path"})
		for _, row := range rows {
			if len(row.Outputs) == 0 {
				t.AppendRow(table.Row{row.Target, status(row), "", firstLine(row.Error)})
				continue
			}
			for _, name := range sortedKeys(row.Outputs) {
				t.AppendRow(table.Row{row.Target, status(row), name, row.Outputs[name]})
			}
		}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 1, AutoMerge: true},
			{Number: 2, AutoMerge: true},
		})
		style := table.StyleLight
		style.Options.DrawBorder = false
		t.SetStyle(style)
		t.Render()
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func status(row targetSummary) string {
	if row.Failure != "" {
		return row.Status + " (" + row.Failure + ")"
	}
	return row.Status
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
