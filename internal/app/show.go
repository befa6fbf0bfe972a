package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"tradewatch/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// Show prints the most recent delivery attempts.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListRecentDeliveries(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeDeliveries(out, records)
}

func writeDeliveries(out io.Writer, records []storage.DeliveryRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "no deliveries found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tMonitor\tChannel\tSeverity\tOutcome\tMessage\tError")
	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = sanitizeInline(*rec.Error)
		}
		channel := rec.Channel
		if channel == "" {
			channel = "-"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.MonitorKey,
			channel,
			rec.Severity,
			rec.Outcome,
			sanitizeInline(rec.Message),
			errMsg,
		)
	}
	return writer.Flush()
}

// Status prints the persisted checkpoint of every monitor.
func (a *App) Status(ctx context.Context, out io.Writer) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	states, err := store.ListMonitorStates(ctx)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		_, err := fmt.Fprintln(out, "no monitors persisted")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Monitor\tInterval\tAccount\tRules\tObservations\tTicks\tUpdated (UTC)")
	for _, st := range states {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			st.Key,
			st.Settings.Interval,
			st.Settings.Account,
			len(st.Rules),
			len(st.Observations),
			st.Ticks,
			st.UpdatedAt.UTC().Format(time.RFC3339),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	for _, st := range states {
		if len(st.Rules) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s rules:\n", st.Key)
		rw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(rw, "  ID\tSymbol\tKind\tThreshold\tRecurrence\tChannels")
		for _, r := range st.Rules {
			fmt.Fprintf(rw, "  %s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Symbol, r.Kind, r.Threshold.String(), r.Recurrence, strings.Join(r.Channels, ","))
		}
		if err := rw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
