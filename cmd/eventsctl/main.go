package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/config"
	"github.com/goliatone/go-events/outbox"
	"github.com/goliatone/go-logger/glog"
	"github.com/jackc/pgx/v5/pgxpool"
)

type cli struct {
	Config   string `short:"c" help:"Engine configuration file." type:"path" default:"events.yaml"`
	DSN      string `help:"PostgreSQL connection string." env:"EVENTS_DATABASE_URL"`
	LogLevel string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error"`
	LogJSON  bool   `help:"Emit JSON log lines."`

	ConfigCmd configCmd `cmd:"" name:"config" help:"Inspect the engine configuration."`
	Outbox    outboxCmd `cmd:"" help:"Operate the transactional outbox."`
}

// runtime is bound to every command Run method.
type runtime struct {
	ctx    context.Context
	out    io.Writer
	logger events.Logger
	cli    *cli
}

func (rt *runtime) config() (config.Config, error) {
	return config.Load(rt.cli.Config)
}

// store opens a pgx pool against the configured outbox table. The returned
// func closes the pool.
func (rt *runtime) store() (*outbox.PgxStore, func(), error) {
	if rt.cli.DSN == "" {
		return nil, nil, events.NewError(events.ErrInvalidConfig,
			"a database connection string is required (--dsn or EVENTS_DATABASE_URL)", nil, nil)
	}
	cfg, err := rt.config()
	if err != nil {
		return nil, nil, err
	}

	pool, err := pgxpool.New(rt.ctx, rt.cli.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	store, err := outbox.NewPgxStore(pool, outbox.NewCodec(), outbox.WithTable(cfg.OutboxTable))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}

func newLogger(out io.Writer, level string, json bool) events.Logger {
	if json {
		return events.NewGlogLogger(glog.NewLogger(
			glog.WithWriter(out),
			glog.WithLevel(level),
			glog.WithLoggerTypeJSON(),
		))
	}
	return events.NewGlogLogger(glog.NewLogger(
		glog.WithWriter(out),
		glog.WithLevel(level),
	))
}

func run(ctx context.Context, args []string, out, errOut io.Writer) error {
	var root cli
	parser, err := kong.New(&root,
		kong.Name("eventsctl"),
		kong.Description("Operate the domain event dispatch engine."),
		kong.Writers(out, errOut),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	rt := &runtime{
		ctx:    ctx,
		out:    out,
		logger: newLogger(errOut, root.LogLevel, root.LogJSON),
		cli:    &root,
	}
	return kctx.Run(rt)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "eventsctl: %v\n", err)
		if code := events.ErrorCode(err); code != "" {
			fmt.Fprintf(os.Stderr, "code: %s\n", code)
		}
		stop()
		os.Exit(1)
	}
}
