package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"socializer/internal/app"
	"socializer/internal/clock"
	"socializer/internal/config"
	"socializer/internal/engage"
	"socializer/internal/lock"
	"socializer/internal/queue"
	"socializer/internal/ratelimit"
	"socializer/internal/store"
	logx "socializer/pkg/logx"
)

const usage = `usage: socializer <command> [flags]

commands:
  run       run the scheduler daemon
  enqueue   queue a post job
  jobs      list jobs
  status    show queue status
  cancel    cancel a queued job
  account   manage accounts (add, list)
  engage    run a paced engagement batch

run "socializer <command> -h" for flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "run":
		err = runDaemon(args)
	case "enqueue":
		err = runEnqueue(args)
	case "jobs":
		err = runJobs(args)
	case "status":
		err = runStatus(args)
	case "cancel":
		err = runCancel(args)
	case "account":
		err = runAccount(args)
	case "engage":
		err = runEngage(args)
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if queue.IsValidation(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	instance := fs.String("instance", app.Hostname(), "worker instance name (lease owner prefix)")
	fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(*cfgPath, *instance)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.Stop(stopCtx)
		return err
	}

	<-a.Done()

	stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := a.Stop(stopCtx); err != nil {
		return err
	}
	return a.Err()
}

func runEnqueue(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	platform := fs.String("platform", "", "target platform (instagram, tiktok)")
	account := fs.String("account", "", "account id")
	content := fs.String("content", "", "content reference")
	at := fs.String("at", "", `scheduled time, UTC, format "2006-01-02 15:04"`)
	maxRetries := fs.Int("max-retries", -1, "retry budget (-1 uses the configured default)")
	fs.Parse(args)

	st, qm, err := openQueue(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var when clock.Time
	if *at != "" {
		when, err = clock.Parse(*at)
		if err != nil {
			return err
		}
	}

	job, err := qm.Enqueue(context.Background(), queue.JobSpec{
		Platform:    store.Platform(*platform),
		AccountID:   *account,
		ContentRef:  *content,
		ScheduledAt: when,
		MaxRetries:  *maxRetries,
	})
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %s (%s/%s) at %s\n", job.ID, job.Platform, job.AccountID, job.ScheduledAt)
	return nil
}

func runJobs(args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	status := fs.String("status", "", "filter by status (queued, running, retrying, done, failed, cancelled)")
	limit := fs.Int("limit", 50, "max rows")
	fs.Parse(args)

	st, _, err := openQueue(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var filter store.Status
	if *status != "" {
		filter, err = store.ParseStatus(*status)
		if err != nil {
			return err
		}
	}

	jobs, err := st.ListJobs(context.Background(), filter, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tACCOUNT\tSTATUS\tSCHEDULED\tRETRIES\tLAST ERROR")
	for _, j := range jobs {
		lastErr := ""
		if j.LastError != nil {
			lastErr = fmt.Sprintf("[%s] %s", j.LastError.Kind, j.LastError.Message)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			j.ID, j.Platform, j.AccountID, j.Status, j.ScheduledAt, j.RetryCount, j.MaxRetries, lastErr)
	}
	return w.Flush()
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	fs.Parse(args)

	st, qm, err := openQueue(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	rep, err := qm.Report(context.Background())
	if err != nil {
		return err
	}

	fmt.Println("jobs:")
	for _, s := range []store.Status{
		store.StatusQueued, store.StatusRunning, store.StatusRetrying,
		store.StatusDone, store.StatusFailed, store.StatusCancelled,
	} {
		fmt.Printf("  %-10s %d\n", s, rep.Counts[s])
	}

	fmt.Printf("leased accounts: %d\n", len(rep.Leases))
	for _, l := range rep.Leases {
		fmt.Printf("  %s held by %s until %s\n", l.AccountID, l.OwnerID, l.ExpiresAt())
	}

	if len(rep.Exhausted) > 0 {
		fmt.Printf("retry budget exhausted: %d\n", len(rep.Exhausted))
		for _, j := range rep.Exhausted {
			msg := ""
			if j.LastError != nil {
				msg = j.LastError.Message
			}
			fmt.Printf("  %s (%s/%s): %s\n", j.ID, j.Platform, j.AccountID, msg)
		}
	}
	return nil
}

func runCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	id := fs.String("id", "", "job id")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	st, qm, err := openQueue(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := qm.Cancel(context.Background(), *id); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", *id)
	return nil
}

func runAccount(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: socializer account <add|list> [flags]")
	}
	sub, args := args[0], args[1:]

	switch sub {
	case "add":
		fs := flag.NewFlagSet("account add", flag.ExitOnError)
		cfgPath := fs.String("config", "./config.yaml", "path to config file")
		id := fs.String("id", "", "account id")
		platform := fs.String("platform", "", "platform (instagram, tiktok)")
		username := fs.String("username", "", "account username")
		proxy := fs.String("proxy", "", "proxy id (optional)")
		fs.Parse(args)

		p, err := store.ParsePlatform(*platform)
		if err != nil {
			return err
		}
		if *id == "" || *username == "" {
			return fmt.Errorf("-id and -username are required")
		}

		st, _, err := openQueue(*cfgPath)
		if err != nil {
			return err
		}
		defer st.Close()

		err = st.UpsertAccount(context.Background(), store.Account{
			ID:        *id,
			Platform:  p,
			Username:  *username,
			ProxyID:   *proxy,
			Active:    true,
			CreatedAt: clock.System().Now(),
		})
		if err != nil {
			return err
		}
		fmt.Printf("account %s saved\n", *id)
		return nil

	case "list":
		fs := flag.NewFlagSet("account list", flag.ExitOnError)
		cfgPath := fs.String("config", "./config.yaml", "path to config file")
		fs.Parse(args)

		st, _, err := openQueue(*cfgPath)
		if err != nil {
			return err
		}
		defer st.Close()

		accounts, err := st.ListAccounts(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPLATFORM\tUSERNAME\tPROXY\tACTIVE")
		for _, a := range accounts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", a.ID, a.Platform, a.Username, a.ProxyID, a.Active)
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown account command %q", sub)
	}
}

func runEngage(args []string) error {
	fs := flag.NewFlagSet("engage", flag.ExitOnError)
	cfgPath := fs.String("config", "./config.yaml", "path to config file")
	platform := fs.String("platform", "", "target platform (instagram, tiktok)")
	action := fs.String("type", string(engage.ActionLike), "action type (like, follow, comment, save, share)")
	targets := fs.String("targets", "", "comma-separated targets (post urls, usernames)")
	comment := fs.String("comment", "", "comment text (type=comment only)")
	fs.Parse(args)

	p, err := store.ParsePlatform(*platform)
	if err != nil {
		return err
	}
	actionType, err := engage.ParseActionType(*action)
	if err != nil {
		return err
	}
	if strings.TrimSpace(*targets) == "" {
		return fmt.Errorf("-targets is required")
	}

	cfg, err := config.NewManager(*cfgPath).Load()
	if err != nil {
		return err
	}
	delay, stopOnFailure, err := app.EngageSettings(cfg)
	if err != nil {
		return err
	}

	batch := engage.Batch{
		Platform:            p,
		DelayBetweenActions: delay,
		StopOnFailure:       stopOnFailure,
	}
	for _, target := range strings.Split(*targets, ",") {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		batch.Actions = append(batch.Actions, engage.Action{
			Type:     actionType,
			Platform: p,
			Target:   target,
			Comment:  *comment,
		})
	}

	log := logx.NewConsole("info")
	runner := engage.NewRunner(&engage.LogDoer{Log: log}, clock.System(), log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	results, runErr := runner.RunBatch(ctx, batch)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tTARGET\tOK\tDURATION\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", r.Action.Type, r.Action.Target, r.OK, r.Duration, r.Error)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return runErr
}

// openQueue builds the store and a queue manager from the config file for
// one-shot CLI commands. Logging is console-only at warn so command output
// stays clean.
func openQueue(cfgPath string) (*store.Store, *queue.Manager, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}

	log := logx.NewConsole("warn")

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log)
	if err != nil {
		return nil, nil, err
	}

	qcfg, err := app.QueueConfig(cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	qm := queue.NewManager(st, lock.NewManager(st.DB()), ratelimit.NewLimiter(st.DB()), clock.System(), qcfg, log)
	return st, qm, nil
}
