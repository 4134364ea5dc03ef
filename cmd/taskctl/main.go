package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"

	"taskengine/internal/config"
	"taskengine/internal/domain"
	"taskengine/internal/logging"
	"taskengine/internal/provision"
	"taskengine/internal/store"
)

const usage = `usage: taskctl <command> [flags]

commands:
  schema   create the task table and indexes (-seed adds the say-hello example)
  upsert   create or update one task by name
  seed     upsert every task declared in a YAML file (-f tasks.yaml)
  list     print tasks
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Error().Err(err).Str("command", os.Args[1]).Msg("taskctl failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "schema":
		return schemaCmd(ctx, args, out)
	case "upsert":
		return upsertCmd(ctx, args, out)
	case "seed":
		return seedCmd(ctx, args, out)
	case "list":
		return listCmd(ctx, args, out)
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

// open parses fs and connects to the store named by the shared -db flag.
func open(ctx context.Context, fs *flag.FlagSet, args []string) (store.Repository, func(), store.Dialect, error) {
	common := config.BindCommon(fs, os.Getenv)
	if err := fs.Parse(args); err != nil {
		return nil, nil, "", err
	}
	if err := logging.Setup(common.LogLevel, common.LogFormat); err != nil {
		return nil, nil, "", err
	}
	db, d, err := store.Open(ctx, common.DatabaseURL)
	if err != nil {
		return nil, nil, "", err
	}
	if fs.Name() == "schema" {
		if err := store.EnsureSchema(ctx, db, d); err != nil {
			_ = db.Close()
			return nil, nil, "", err
		}
	}
	return store.NewRepo(db, d), func() { _ = db.Close() }, d, nil
}

func schemaCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("schema", flag.ContinueOnError)
	seed := fs.Bool("seed", false, "insert the example task 'say-hello'")
	repo, closeDB, d, err := open(ctx, fs, args)
	if err != nil {
		return err
	}
	defer closeDB()
	log.Info().Str("driver", string(d)).Msg("schema ready")

	if *seed {
		t, created, err := provision.Seed(ctx, repo)
		if err != nil {
			return err
		}
		if !created {
			log.Info().Str("task_name", t.Name).Msg("example task already present")
		}
	}
	tasks, err := repo.List(ctx, store.ListFilter{Limit: 5})
	if err != nil {
		return err
	}
	return printTasks(out, tasks, false)
}

func upsertCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("upsert", flag.ContinueOnError)
	var (
		name     = fs.String("name", "create-partitions", "task name (unique)")
		ref      = fs.String("callable", "jobs:create_upcoming_mon_sensor_data_partitions", "callable ref")
		interval = fs.Int("interval", 86400, "interval seconds")
		monthly  = fs.Bool("monthly", false, "use a ~monthly interval (30 days)")
		enabled  = fs.Bool("enabled", true, "enabled flag")
		argsJSON = fs.String("args", "[]", "positional args as a JSON array")
		kwJSON   = fs.String("kwargs", "{}", "keyword args as a JSON object")
		retries  = fs.Int("max-retries", domain.DefaultMaxRetries, "max retries per cycle")
		backoff  = fs.Int("backoff", domain.DefaultBackoffSeconds, "backoff base seconds")
		runNow   = fs.Bool("run-now", false, "set next_run_at = now so it runs asap")
	)
	repo, closeDB, _, err := open(ctx, fs, args)
	if err != nil {
		return err
	}
	defer closeDB()

	if *monthly {
		*interval = int((30 * 24 * time.Hour) / time.Second)
	}
	if err := repo.Ready(ctx); err != nil {
		return fmt.Errorf("run 'taskctl schema' first: %w", err)
	}
	t, err := repo.Upsert(ctx, domain.Task{
		Name:            *name,
		CallableRef:     *ref,
		Args:            json.RawMessage(*argsJSON),
		Kwargs:          json.RawMessage(*kwJSON),
		IntervalSeconds: *interval,
		Enabled:         *enabled,
		MaxRetries:      *retries,
		BackoffSeconds:  *backoff,
	}, *runNow)
	if err != nil {
		return err
	}
	return printTasks(out, []domain.Task{t}, false)
}

func seedCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	file := fs.String("f", "tasks.yaml", "provisioning file")
	runNow := fs.Bool("run-now", false, "make every task due now")
	repo, closeDB, _, err := open(ctx, fs, args)
	if err != nil {
		return err
	}
	defer closeDB()

	f, err := provision.LoadFile(*file)
	if err != nil {
		return err
	}
	saved, err := provision.Apply(ctx, repo, f, *runNow)
	if err != nil {
		return err
	}
	return printTasks(out, saved, false)
}

func listCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var (
		onlyEnabled = fs.Bool("enabled", false, "only enabled tasks")
		due         = fs.Bool("due", false, "only tasks due now")
		limit       = fs.Int("limit", 100, "max rows")
		asJSON      = fs.Bool("json", false, "print JSON")
	)
	repo, closeDB, _, err := open(ctx, fs, args)
	if err != nil {
		return err
	}
	defer closeDB()

	var tasks []domain.Task
	if *due {
		tasks, err = repo.ListDue(ctx, time.Now(), *limit)
	} else {
		f := store.ListFilter{Limit: *limit}
		if *onlyEnabled {
			f.Enabled = onlyEnabled
		}
		tasks, err = repo.List(ctx, f)
	}
	if err != nil {
		return err
	}
	return printTasks(out, tasks, *asJSON)
}

func printTasks(out io.Writer, tasks []domain.Task, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCALLABLE\tENABLED\tINTERVAL\tNEXT RUN\tSTATUS\tRETRIES\tLOCKED BY")
	for _, t := range tasks {
		status, lockedBy := "-", "-"
		if t.LastStatus != nil {
			status = string(*t.LastStatus)
		}
		if t.LockedBy != nil {
			lockedBy = *t.LockedBy
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%s\t%d/%d\t%s\n",
			t.ID, t.Name, t.CallableRef, t.Enabled, t.Interval(),
			t.NextRunAt.Format(time.RFC3339), status, t.RetryCount, t.MaxRetries, lockedBy)
	}
	return tw.Flush()
}
