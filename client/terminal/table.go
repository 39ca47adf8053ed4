package terminal

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"udpftp/client/transfer"
)

var summaryHeader = []string{"File", "Status", "Size", "Blocks", "Retransmits", "Time", "Speed"}

// TableFormatter renders download results as a table.
type TableFormatter struct {
	table *tablewriter.Table
}

func NewTableFormatter(w io.Writer) *TableFormatter {
	table := tablewriter.NewWriter(w)
	table.Header(summaryHeader)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.MaxWidth = 0
		cfg.Header = tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		}
		cfg.Row = tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		}
	})
	return &TableFormatter{table: table}
}

// RenderSummary writes one row per result. Nothing is printed for an empty
// slice.
func (tf *TableFormatter) RenderSummary(results []*transfer.Result) error {
	if len(results) == 0 {
		return nil
	}
	tf.table.Reset()
	tf.table.Header(summaryHeader)

	for _, r := range results {
		if err := tf.table.Append(SummaryRow(r)); err != nil {
			return err
		}
	}
	return tf.table.Render()
}

// SummaryRow formats one result as table cells.
func SummaryRow(r *transfer.Result) []string {
	status := "OK"
	switch {
	case transfer.IsNotFound(r.Err):
		status = "NOT FOUND"
	case !r.OK():
		status = "FAILED (" + r.FailedIn.String() + ")"
	case !r.CloseAcked:
		status = "OK (close unacked)"
	}

	name := r.Name
	if len(name) > 40 {
		name = name[:37] + "..."
	}

	size, speed := "-", "-"
	if r.OK() {
		size = formatSize(uint64(r.Size))
		speed = fmt.Sprintf("%.1f KB/s", r.Timing().TransferSpeed)
	}
	return []string{
		name,
		status,
		size,
		strconv.Itoa(r.Blocks),
		strconv.FormatInt(r.Retransmits, 10),
		r.Duration.Round(time.Millisecond).String(),
		speed,
	}
}

// formatSize formats a file size in human-readable format
func formatSize(size uint64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := uint64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
