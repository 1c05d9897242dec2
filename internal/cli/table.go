package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"followup/internal/domain"
)

const tablePadding = 2

func writeTable(out io.Writer, headers []string, rows [][]string) error {
	writer := tabwriter.NewWriter(out, 0, 0, tablePadding, ' ', tabwriter.StripEscape)
	if len(headers) > 0 {
		fmt.Fprintln(writer, strings.Join(headers, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}
	return writer.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func writeTaskTable(out io.Writer, tasks []domain.FollowUpTask) error {
	rows := make([][]string, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, []string{
			t.ID,
			fmt.Sprintf("%d/%d", t.SequencePosition, t.TotalSequenceSteps),
			string(t.Status),
			formatTime(t.ScheduledAt),
			formatTime(t.ExecutedAt),
		})
	}
	return writeTable(out, []string{"ID", "STEP", "STATUS", "SCHEDULED", "EXECUTED"}, rows)
}
