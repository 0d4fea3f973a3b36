package main

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
)

// Summary prints per-task epoch results as a table with one column per
// metric name in use.
type Summary struct {
	w       io.Writer
	metrics []string
	rows    [][]string
}

func NewSummary(w io.Writer, tasks []*TaskRuntime) *Summary {
	s := &Summary{w: w}

	seen := make(map[string]bool)
	for _, rt := range tasks {
		for _, name := range rt.MetricNames() {
			if !seen[name] {
				seen[name] = true
				s.metrics = append(s.metrics, name)
			}
		}
	}
	return s
}

// Add queues the rows of one pass. They are printed by the next Render.
func (s *Summary) Add(result EpochResult) {
	for _, tr := range result.Tasks {
		row := []string{strconv.Itoa(result.Epoch), result.Split, tr.Task, formatScore(tr.Loss)}
		for _, name := range s.metrics {
			v, ok := tr.Metrics[name]
			if !ok {
				row = append(row, "-")
				continue
			}
			row = append(row, formatScore(v))
		}
		s.rows = append(s.rows, row)
	}
}

func (s *Summary) Render() error {
	if len(s.rows) == 0 {
		return nil
	}

	header := []string{"EPOCH", "SPLIT", "TASK", "LOSS"}
	for _, name := range s.metrics {
		header = append(header, strings.ToUpper(name))
	}

	table := tablewriter.NewWriter(s.w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(s.rows)
	table.Render()

	s.rows = s.rows[:0]
	_, err := fmt.Fprintln(s.w)
	return err
}

func formatScore(v float64) string {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', 4, 64)
}
