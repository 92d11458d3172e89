package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/config"
	"github.com/goliatone/go-events/cron"
	"github.com/goliatone/go-events/metrics"
	"github.com/goliatone/go-events/outbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type configCmd struct {
	Validate validateCmd `cmd:"" help:"Load and validate the configuration file."`
}

type validateCmd struct{}

func (validateCmd) Run(rt *runtime) error {
	cfg, err := rt.config()
	if err != nil {
		return err
	}

	fmt.Fprintf(rt.out, "configuration %s is valid\n", rt.cli.Config)
	w := tabwriter.NewWriter(rt.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tPUBLISHER\tAFTER COMMIT\tASYNC\tROUTES")
	for _, name := range cfg.ChannelNames() {
		ch := cfg.Channels[name]
		label := name
		if name == cfg.DefaultChannel {
			label += " (default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", label, ch.Publisher,
			ch.Publisher == config.PublisherTransactional && cfg.AfterCommitFor(ch),
			cfg.AsyncFor(ch), strings.Join(ch.Routes, ","))
	}
	return w.Flush()
}

type outboxCmd struct {
	Schema       schemaCmd       `cmd:"" help:"Print or apply the outbox table DDL."`
	Stats        statsCmd        `cmd:"" help:"Summarize outbox entries by state."`
	List         listCmd         `cmd:"" help:"List outbox entries."`
	Requeue      requeueCmd      `cmd:"" help:"Append fresh copies of failed entries for another delivery."`
	ServeMetrics serveMetricsCmd `cmd:"" name:"serve-metrics" help:"Expose outbox gauges on a Prometheus endpoint."`
}

type schemaCmd struct {
	Apply bool `help:"Execute the statements instead of printing them."`
}

func (c schemaCmd) Run(rt *runtime) error {
	if !c.Apply {
		cfg, err := rt.config()
		if err != nil {
			return err
		}
		stmts, err := outbox.SchemaStatements(cfg.OutboxTable)
		if err != nil {
			return err
		}
		for _, stmt := range stmts {
			fmt.Fprintf(rt.out, "%s;\n\n", stmt)
		}
		return nil
	}

	store, closeStore, err := rt.store()
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.EnsureSchema(rt.ctx); err != nil {
		return err
	}
	rt.logger.Info("outbox schema applied")
	return nil
}

type statsCmd struct {
	JSON bool `help:"Print JSON."`
}

func (c statsCmd) Run(rt *runtime) error {
	store, closeStore, err := rt.store()
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.Stats(rt.ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return json.NewEncoder(rt.out).Encode(stats)
	}

	w := tabwriter.NewWriter(rt.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
	fmt.Fprintf(w, "claimed\t%d\n", stats.Claimed)
	fmt.Fprintf(w, "ok\t%d\n", stats.OK)
	fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
	fmt.Fprintf(w, "failed partially\t%d\n", stats.FailedPartially)
	if !stats.OldestPending.IsZero() {
		fmt.Fprintf(w, "oldest pending\t%s (%s ago)\n",
			stats.OldestPending.Format(time.RFC3339), time.Since(stats.OldestPending).Round(time.Second))
	}
	return w.Flush()
}

type listCmd struct {
	Result     string `help:"Only entries resolved with this result (OK, FAILED, FAILED_PARTIALLY)."`
	Unresolved bool   `help:"Only entries without a result."`
	Limit      int    `help:"Maximum number of entries." default:"50"`
	JSON       bool   `help:"Print JSON lines."`
}

func (c listCmd) filter() (outbox.Filter, error) {
	if c.Result != "" && c.Unresolved {
		return outbox.Filter{}, errors.New("--result and --unresolved are mutually exclusive")
	}
	filter := outbox.Filter{Unresolved: c.Unresolved, Limit: c.Limit}
	if c.Result != "" {
		result, ok := events.ParseResult(c.Result)
		if !ok {
			return outbox.Filter{}, fmt.Errorf("unknown result %q", c.Result)
		}
		filter.Result = result
	}
	return filter, nil
}

func (c listCmd) Run(rt *runtime) error {
	filter, err := c.filter()
	if err != nil {
		return err
	}
	store, closeStore, err := rt.store()
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.List(rt.ctx, filter)
	if err != nil {
		return err
	}
	return printEntries(rt, entries, c.JSON)
}

type requeueCmd struct {
	IDs  []string `arg:"" name:"id" help:"Entry ids to requeue."`
	JSON bool     `help:"Print JSON lines."`
}

func (c requeueCmd) Run(rt *runtime) error {
	store, closeStore, err := rt.store()
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := store.Requeue(rt.ctx, c.IDs)
	if err != nil {
		return err
	}
	rt.logger.Info("requeued %d of %d outbox entries", len(entries), len(c.IDs))
	return printEntries(rt, entries, c.JSON)
}

type entryView struct {
	ID         string     `json:"id"`
	EventType  string     `json:"event_type"`
	InsertedAt time.Time  `json:"inserted_at"`
	BatchID    string     `json:"batch_id,omitempty"`
	Result     string     `json:"result,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func viewOf(e outbox.Entry) entryView {
	v := entryView{
		ID:         e.ID,
		EventType:  e.EventType,
		InsertedAt: e.InsertedAt,
		BatchID:    e.BatchID,
		Result:     string(e.Result),
	}
	if !e.ResolvedAt.IsZero() {
		resolved := e.ResolvedAt
		v.ResolvedAt = &resolved
	}
	return v
}

func printEntries(rt *runtime, entries []outbox.Entry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(rt.out)
		for _, e := range entries {
			if err := enc.Encode(viewOf(e)); err != nil {
				return err
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(rt.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT TYPE\tINSERTED\tBATCH\tRESULT")
	for _, e := range entries {
		result := string(e.Result)
		if result == "" {
			result = "-"
		}
		batch := e.BatchID
		if batch == "" {
			batch = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.EventType, e.InsertedAt.Format(time.RFC3339), batch, result)
	}
	return w.Flush()
}

type serveMetricsCmd struct {
	Listen string        `help:"Address of the metrics endpoint." default:":9102"`
	Period   time.Duration `help:"How often outbox stats are refreshed." default:"15s"`
	Schedule string        `help:"Cron expression for refreshing outbox stats, overrides --period."`
}

func (c serveMetricsCmd) Run(rt *runtime) error {
	store, closeStore, err := rt.store()
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	observe := func(ctx context.Context) error {
		stats, err := store.Stats(ctx)
		if err != nil {
			rt.logger.Warn("outbox stats unavailable: %v", err)
			return err
		}
		m.ObserveOutbox(stats, time.Now())
		return nil
	}

	scheduler := cron.NewScheduler(cron.WithLogger(rt.logger))
	if c.Schedule != "" {
		_, err = scheduler.ScheduleCron(c.Schedule, observe)
	} else {
		_, err = scheduler.ScheduleEvery(0, c.Period, observe)
	}
	if err != nil {
		return err
	}
	if err := scheduler.Start(rt.ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              c.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	rt.logger.Info("serving outbox metrics on %s", c.Listen)

	select {
	case err = <-serveErr:
	case <-rt.ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = server.Shutdown(shutdownCtx)
	}
	if stopErr := scheduler.Stop(context.Background()); stopErr != nil && err == nil {
		err = stopErr
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
