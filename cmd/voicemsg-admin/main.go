// Command voicemsg-admin runs one-off maintenance tasks against the configured
// message store: schema migrations, inspection, outbox draining, and reaping.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/target/voice-message-api/config"
	"github.com/target/voice-message-api/internal/bootstrap"
	"github.com/target/voice-message-api/internal/migrate"
)

const defaultMigrationTimeout = 5 * time.Minute

var errAborted = errors.New("aborted by user")

type command struct {
	name        string
	description string
	run         func(cmdCtx *commandContext, args []string) error
}

// commandContext carries what every command needs. Streams are injected so commands
// can be driven from tests.
type commandContext struct {
	Ctx    context.Context
	Logger *slog.Logger
	Config config.AppConfig
	Out    io.Writer
	Err    io.Writer
	In     *bufio.Reader
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code) //nolint:forbidigo // exit status is the CLI contract
}

// run dispatches args[0] and returns the process exit code: 2 for usage errors,
// 1 for command failures.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := bootstrap.InitLogger()

	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		_ = printUsage(stdout)
		if len(args) == 0 {
			return 2
		}
		return 0
	}

	cmd, ok := commands()[args[0]]
	if !ok {
		_ = writef(stderr, "unknown command %q\n\n", args[0])
		_ = printUsage(stderr)
		return 2
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.ErrorContext(ctx, "load config", "error", err)
		return 1
	}

	cmdCtx := &commandContext{
		Ctx:    ctx,
		Logger: logger,
		Config: cfg,
		Out:    stdout,
		Err:    stderr,
		In:     bufio.NewReader(stdin),
	}
	if err := cmd.run(cmdCtx, args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		logger.ErrorContext(ctx, "command failed", "command", cmd.name, "error", err)
		return 1
	}
	return 0
}

func commands() map[string]command {
	list := []command{
		{"migrate", "Apply pending schema migrations (-status lists them instead)", runMigrate},
		{"db-reset", "Drop the voice message tables and migrate again", runDBReset},
		{"list-messages", "List voice message submissions from the configured store", runListMessages},
		{"show-message", "Print one voice message submission as JSON", runShowMessage},
		{"drain-outbox", "Publish every pending status event once and exit", runDrainOutbox},
		{"reap", "Run one reaper pass: fail stale submissions and purge published events", runReap},
	}
	out := make(map[string]command, len(list))
	for _, c := range list {
		out[c.name] = c
	}
	return out
}

func printUsage(w io.Writer) error {
	cmds := commands()
	names := make([]string, 0, len(cmds))
	for name := range cmds {
		names = append(names, name)
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprint(tw, "Usage: voicemsg-admin <command> [flags]\n\nCommands:\n")
	for _, name := range names {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\n", name, cmds[name].description)
	}
	return tw.Flush()
}

type migrateOptions struct {
	Timeout time.Duration
	Status  bool
}

func parseMigrateFlags(args []string) (migrateOptions, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := migrateOptions{}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration to wait for migrations to complete")
	fs.BoolVar(&opts.Status, "status", false, "Print applied and pending migrations without changing anything")
	if err := fs.Parse(args); err != nil {
		return migrateOptions{}, err
	}
	if opts.Timeout <= 0 {
		return migrateOptions{}, errors.New("-timeout must be greater than zero")
	}
	return opts, nil
}

func runMigrate(cmdCtx *commandContext, args []string) error {
	opts, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}
	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		if opts.Status {
			status, err := migrate.Status(ctx, db)
			if err != nil {
				return err
			}
			return renderMigrationStatus(cmdCtx.Out, status)
		}
		return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
	})
}

func renderMigrationStatus(w io.Writer, status []migrate.VersionStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tAPPLIED AT")
	for _, st := range status {
		applied := "pending"
		if st.AppliedAt != nil {
			applied = st.AppliedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", st.Version, applied)
	}
	return tw.Flush()
}

type dbResetOptions struct {
	Timeout     time.Duration
	Yes         bool
	AllowRemote bool
}

func parseDBResetFlags(args []string) (dbResetOptions, error) {
	fs := flag.NewFlagSet("db-reset", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := dbResetOptions{}
	fs.DurationVar(&opts.Timeout, "timeout", defaultMigrationTimeout, "Maximum duration for the reset")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt (ignored for remote hosts)")
	fs.BoolVar(&opts.AllowRemote, "allow-remote", false, "Permit resetting a database host that does not look local")
	if err := fs.Parse(args); err != nil {
		return dbResetOptions{}, err
	}
	if opts.Timeout <= 0 {
		return dbResetOptions{}, errors.New("-timeout must be greater than zero")
	}
	return opts, nil
}

func runDBReset(cmdCtx *commandContext, args []string) error {
	opts, err := parseDBResetFlags(args)
	if err != nil {
		return err
	}
	if err := cmdCtx.confirmReset(opts); err != nil {
		return err
	}

	return withDatabase(cmdCtx, opts.Timeout, func(ctx context.Context, db *sql.DB) error {
		cmdCtx.Logger.InfoContext(ctx, "dropping voice message tables", "database", cmdCtx.Config.Postgres.Name)
		if err := migrate.Reset(ctx, db); err != nil {
			return fmt.Errorf("reset schema: %w", err)
		}
		return bootstrap.RunMigrations(ctx, db, cmdCtx.Logger)
	})
}

// confirmReset refuses remote hosts unless -allow-remote is set, in which case the
// operator must type the host name. Local hosts need "y" unless -yes is passed.
func (cmdCtx *commandContext) confirmReset(opts dbResetOptions) error {
	pg := cmdCtx.Config.Postgres
	target := fmt.Sprintf("database %q on %s:%d", pg.Name, pg.Host, pg.Port)

	if isLikelyRemoteHost(pg.Host) {
		if !opts.AllowRemote {
			return fmt.Errorf("refusing to reset potentially remote host %q; re-run with -allow-remote if intended", pg.Host)
		}
		_ = writef(cmdCtx.Err, "WARNING: %s does not look local. All voice messages will be deleted.\n", target)
		return cmdCtx.expectAnswer(fmt.Sprintf("Type %q to continue: ", pg.Host), pg.Host)
	}
	if opts.Yes {
		return nil
	}
	_ = writef(cmdCtx.Out, "About to drop and recreate the voice message tables in %s.\n", target)
	return cmdCtx.expectAnswer("Continue? [y/N]: ", "y", "yes")
}

func (cmdCtx *commandContext) expectAnswer(prompt string, accepted ...string) error {
	if err := write(cmdCtx.Out, prompt); err != nil {
		return err
	}
	resp, err := cmdCtx.In.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.TrimSpace(resp)
	for _, a := range accepted {
		if strings.EqualFold(resp, a) {
			return nil
		}
	}
	return errAborted
}

func withDatabase(cmdCtx *commandContext, timeout time.Duration, f func(context.Context, *sql.DB) error) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, timeout)
	defer cancel()

	db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{
		DBConfig: cmdCtx.Config.Postgres,
		Logger:   cmdCtx.Logger,
	})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer closeLogged(cmdCtx.Logger, db)

	return f(ctx, db)
}

func isLikelyRemoteHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	switch {
	case h == "", h == "localhost", strings.HasSuffix(h, ".local"), strings.HasPrefix(h, "/"):
		return false
	}
	if ip := net.ParseIP(h); ip != nil {
		return !ip.IsLoopback()
	}
	return true
}
