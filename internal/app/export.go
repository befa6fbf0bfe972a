package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"tradewatch/internal/storage"
)

// ExportOptions hold parameters for exporting delivery history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	Bucket    time.Duration
	MaxPoints int
}

// Export writes the delivery log as CSV and/or an outcome-per-bucket PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Bucket <= 0 {
		opts.Bucket = time.Hour
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-7 * 24 * time.Hour)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListDeliveriesBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Time("from", from).Time("to", to).Msg("no deliveries found for export window")
		return nil
	}
	if opts.MaxPoints > 0 && len(records) > opts.MaxPoints {
		records = records[len(records)-opts.MaxPoints:]
	}
	a.Logger.Info().Int("exported", len(records)).Msg("exporting deliveries")

	if opts.CSVPath != "" {
		if err := writeDeliveriesCSV(opts.CSVPath, records); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeDeliveriesPNG(opts.PNGPath, bucketOutcomes(records, opts.Bucket)); err != nil {
			return err
		}
	}
	return nil
}

func writeDeliveriesCSV(path string, records []storage.DeliveryRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := []string{"created_at", "monitor", "rule_id", "channel", "category", "severity", "outcome", "fingerprint", "message", "error"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		errMsg := ""
		if rec.Error != nil {
			errMsg = *rec.Error
		}
		row := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.MonitorKey,
			rec.RuleID,
			rec.Channel,
			rec.Category,
			rec.Severity,
			rec.Outcome,
			rec.Fingerprint,
			rec.Message,
			errMsg,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// outcomeSeries counts deliveries per outcome in fixed time buckets.
type outcomeSeries struct {
	buckets []time.Time
	counts  map[string][]float64
}

func bucketOutcomes(records []storage.DeliveryRecord, bucket time.Duration) outcomeSeries {
	index := make(map[time.Time]int)
	var buckets []time.Time
	for _, rec := range records {
		b := rec.CreatedAt.UTC().Truncate(bucket)
		if _, ok := index[b]; !ok {
			index[b] = 0
			buckets = append(buckets, b)
		}
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Before(buckets[j]) })
	for i, b := range buckets {
		index[b] = i
	}

	series := outcomeSeries{buckets: buckets, counts: make(map[string][]float64)}
	for _, outcome := range []string{storage.OutcomeDelivered, storage.OutcomeFailed, storage.OutcomeRateLimited, storage.OutcomeDeduplicated} {
		series.counts[outcome] = make([]float64, len(buckets))
	}
	for _, rec := range records {
		counts, ok := series.counts[rec.Outcome]
		if !ok {
			continue
		}
		counts[index[rec.CreatedAt.UTC().Truncate(bucket)]]++
	}
	return series
}

func writeDeliveriesPNG(path string, series outcomeSeries) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	// go-chart needs at least two points per series.
	if len(series.buckets) < 2 {
		return errors.New("need deliveries in at least two buckets to draw a chart")
	}

	countFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Notifications",
			ValueFormatter: countFormatter,
		},
	}
	for _, outcome := range []string{storage.OutcomeDelivered, storage.OutcomeFailed, storage.OutcomeRateLimited, storage.OutcomeDeduplicated} {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    outcome,
			XValues: series.buckets,
			YValues: series.counts[outcome],
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
