// Command finctl is a terminal client for the finance API. It keeps the
// login in a credential store and refreshes it in the background.
//
// Usage:
//
//	finctl [global flags] <command> [command flags]
//
// Commands: login, register, logout, whoami, sessions, revoke, watch, reset-password.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	tk "github.com/panyam/tokenkeeper"
	"github.com/panyam/tokenkeeper/client"
	"github.com/panyam/tokenkeeper/internal/config"
	"github.com/panyam/tokenkeeper/internal/logging"
)

type app struct {
	cfg    *config.Config
	client *client.Client
	logger zerolog.Logger
	in     *bufio.Reader
	out    io.Writer
}

type command struct {
	name  string
	usage string
	run   func(a *app, ctx context.Context, args []string) error
}

var commands = []command{
	{"login", "log in with email and password", (*app).login},
	{"register", "create an account and log in", (*app).register},
	{"logout", "log out and revoke this session", (*app).logout},
	{"whoami", "show the logged in user", (*app).whoami},
	{"sessions", "list active sessions", (*app).sessions},
	{"revoke", "revoke a session by id", (*app).revoke},
	{"watch", "keep the login fresh and report state changes", (*app).watch},
	{"reset-password", "request or complete a password reset", (*app).resetPassword},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "finctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("finctl", flag.ContinueOnError)
	global.SetOutput(stderr)
	flags := config.RegisterFlags(global)
	global.Usage = func() {
		fmt.Fprintln(stderr, "usage: finctl [global flags] <command> [command flags]")
		fmt.Fprintln(stderr, "\ncommands:")
		for _, c := range commands {
			fmt.Fprintf(stderr, "  %-15s %s\n", c.name, c.usage)
		}
		fmt.Fprintln(stderr, "\nglobal flags:")
		global.PrintDefaults()
	}
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("no command given")
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == global.Arg(0) {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q", global.Arg(0))
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		return err
	}
	if cfg.Insecure() {
		logger.Warn().Str("server_url", cfg.ServerURL).Msg("using HTTP instead of HTTPS, tokens travel in plaintext")
	}

	store, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	a := &app{
		cfg:    cfg,
		logger: logger,
		in:     bufio.NewReader(stdin),
		out:    stdout,
	}
	a.client, err = client.New(cfg.ServerURL, store,
		client.WithRequestTimeout(cfg.RequestTimeout),
		client.WithRefreshTimeout(cfg.RefreshTimeout),
		client.WithRefreshMargin(cfg.RefreshMargin),
		client.WithClockInterval(cfg.ClockInterval),
		client.WithLogger(logger),
		client.WithForceLogout(func(err error) {
			fmt.Fprintln(stderr, "session expired, run `finctl login` again")
		}),
	)
	if err != nil {
		return err
	}
	defer a.client.Close()

	return cmd.run(a, ctx, global.Args()[1:])
}

// prompt returns value if set, else reads one line from stdin.
func (a *app) prompt(label, value string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprintf(a.out, "%s: ", label)
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(line), nil
}

func (a *app) requireLogin(ctx context.Context) error {
	state, err := a.client.State(ctx)
	if err != nil {
		return err
	}
	if state != tk.StateAuthenticated {
		return errors.New("not logged in, run `finctl login` first")
	}
	return nil
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet("finctl "+name, flag.ContinueOnError)
}
