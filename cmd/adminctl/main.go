package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"yorkiexchange/internal/app"
	"yorkiexchange/internal/audit"
	"yorkiexchange/internal/config"
	"yorkiexchange/internal/logging"
)

const usage = `usage: adminctl <command> [flags]

commands:
  check-env [public|server]   report required variables that are not set
  migrate-privileges          set role=admin on profiles that only carry is_admin
  replay-audit [-limit N]     re-append audit records from the orphan journal
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "load .env: %v\n", err)
		return 1
	}
	logging.Init(logging.Config{Level: os.Getenv("LOG_LEVEL"), Format: "console", Output: stderr})

	switch args[0] {
	case "check-env":
		return checkEnv(args[1:], stdout, stderr)
	case "migrate-privileges":
		return migratePrivileges(ctx, stdout, stderr)
	case "replay-audit":
		return replayAudit(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
}

func checkEnv(args []string, stdout, stderr io.Writer) int {
	mode := "public"
	if len(args) > 0 {
		mode = args[0]
	}
	missing, err := config.MissingEnv(mode)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if len(missing) > 0 {
		fmt.Fprintf(stderr, "missing %s env: %s\n", mode, strings.Join(missing, ", "))
		return 1
	}
	fmt.Fprintf(stdout, "%s env ok\n", mode)
	return 0
}

func openApp(stderr io.Writer) (*app.App, config.Config, bool) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return nil, cfg, false
	}
	a, err := app.Open(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "open stores: %v\n", err)
		return nil, cfg, false
	}
	return a, cfg, true
}

func migratePrivileges(ctx context.Context, stdout, stderr io.Writer) int {
	a, _, ok := openApp(stderr)
	if !ok {
		return 1
	}
	defer a.Close()

	n, err := a.Store.MigrateLegacyAdmins(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "migrate privileges: %v\n", err)
		return 1
	}
	logging.Info().Str("event", "privileges_migrated").Int("profiles", n).Msg("legacy admin flags migrated")
	fmt.Fprintf(stdout, "migrated %d profile(s) to role=admin\n", n)
	return 0
}

func replayAudit(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay-audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 100, "maximum records to replay")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, cfg, ok := openApp(stderr)
	if !ok {
		return 1
	}
	defer a.Close()

	journal, err := audit.OpenJournal(cfg.JournalDBPath)
	if err != nil {
		fmt.Fprintf(stderr, "open journal: %v\n", err)
		return 1
	}
	defer journal.Close()

	res, err := journal.Replay(ctx, a.Recorder, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "replayed %d, failed %d\n", res.Replayed, res.Failed)
	if res.Failed > 0 {
		return 1
	}
	return 0
}
