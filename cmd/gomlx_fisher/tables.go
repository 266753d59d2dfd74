// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/fisher/pkg/ml/fisher"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// newPlainTable creates a table with alternating row styles. The alignments are given per column, and the
// last one is used for the remaining columns.
func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.4g", v)
}

// runSummary describes one estimation, for the reports.
type runSummary struct {
	ID, Dataset, Estimator string
	Checkpoint             string
	NumSamples             int
	Elapsed                time.Duration
}

func summaryTable(summary runSummary, fim *fisher.Matrix) *lgtable.Table {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	stats := fim.Stats()
	table.Row("run", summary.ID)
	table.Row("dataset", summary.Dataset)
	if summary.Checkpoint != "" {
		table.Row("checkpoint", summary.Checkpoint)
	}
	table.Row("estimator", summary.Estimator)
	table.Row("# samples", humanize.Comma(int64(summary.NumSamples)))
	table.Row("# parameters", humanize.Comma(int64(fim.Structure().Len())))
	table.Row("# elements", humanize.Comma(int64(fim.Len())))
	table.Row("elapsed", summary.Elapsed.Round(time.Millisecond).String())
	table.Row("mean", formatValue(stats.Mean))
	table.Row("max", formatValue(stats.Max))
	table.Row("min", formatValue(stats.Min))
	table.Row("sparsity", fmt.Sprintf("%.1f%%", 100*stats.Sparsity))
	return table
}

func parametersTable(fim *fisher.Matrix) *lgtable.Table {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Parameter", "Shape", "Size", "Mean", "Max", "Min", "Sparsity")
	for _, ps := range fim.ParameterStats() {
		table.Row(
			ps.Param.ScopeAndName(),
			ps.Param.Shape.String(),
			humanize.Comma(int64(ps.Param.Size())),
			formatValue(ps.Mean),
			formatValue(ps.Max),
			formatValue(ps.Min),
			fmt.Sprintf("%.1f%%", 100*ps.Sparsity))
	}
	return table
}

func topKTable(fim *fisher.Matrix, k int) *lgtable.Table {
	table := newPlainTable(lipgloss.Right, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("#", "Parameter", "Index", "Value")
	for ii, element := range fim.TopK(k) {
		indices := make([]string, len(element.Index))
		for jj, idx := range element.Index {
			indices[jj] = fmt.Sprint(idx)
		}
		table.Row(
			fmt.Sprint(ii+1),
			element.Param.ScopeAndName(),
			"["+strings.Join(indices, ", ")+"]",
			formatValue(element.Value))
	}
	return table
}

// report renders the summary, the per-parameter statistics and the top-k elements.
func report(summary runSummary, fim *fisher.Matrix, topK int) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Fisher Information (diagonal)") + "\n")
	sb.WriteString(summaryTable(summary, fim).Render() + "\n")
	sb.WriteString(titleStyle.Render("Parameters") + "\n")
	sb.WriteString(parametersTable(fim).Render() + "\n")
	if topK > 0 {
		sb.WriteString(titleStyle.Render(fmt.Sprintf("Top %d elements", min(topK, fim.Len()))) + "\n")
		sb.WriteString(topKTable(fim, topK).Render() + "\n")
	}
	return sb.String()
}
