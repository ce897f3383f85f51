package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dashterm/auth"
	"dashterm/config"
	"dashterm/console"
	"dashterm/logging"
	"dashterm/models"
	"dashterm/mux"
	"dashterm/websocket"
)

const requestTimeout = 10 * time.Second

// dial builds a Remote from flags, falling back to the environment and the
// host's token file.
func dial(flags *clientFlags) (*websocket.Remote, *config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := zap.NewNop()
	if cfg.LogFile != "" {
		logger, err = logging.New(logging.Config{Level: cfg.LogLevel, Quiet: true, File: cfg.LogFile})
		if err != nil {
			return nil, nil, nil, err
		}
	}

	token := flags.token
	if token == "" {
		if token, err = auth.Load(cfg.TokenFile); err != nil {
			return nil, nil, nil, fmt.Errorf("%w (is `dashterm serve` running?)", err)
		}
	}
	url := flags.url
	if url == "" {
		url = cfg.BaseURL()
	}
	remote, err := websocket.NewRemote(url, token, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return remote, cfg, logger, nil
}

func newAttachCmd(flags *clientFlags) *cobra.Command {
	var opts mux.OpenOptions
	var resume []string
	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Open a tabbed console on the host",
		Long: `Open a tabbed console on the host.

Keys after the Ctrl-B prefix: c new tab, x close tab, n/p next/previous tab,
1-9 select tab, +/- font size, l list tabs, d detach. Ctrl-B Ctrl-B sends
a literal Ctrl-B.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, cfg, logger, err := dial(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			user, err := config.LoadUser(cfg.ConfigFile)
			if err != nil {
				logger.Warn("using default display settings", zap.Error(err))
			}
			return attach(cmd.Context(), remote, logger, user.Display.FontSize, opts, resume)
		},
	}
	cmd.Flags().StringVar(&opts.Command, "command", "", "command to type into the first tab")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title of the first tab")
	cmd.Flags().StringVar(&opts.Cwd, "cwd", "", "working directory of the first tab")
	cmd.Flags().StringVar(&opts.Shell, "shell", "", "shell of the first tab")
	cmd.Flags().StringSliceVar(&resume, "resume", nil, "reattach to existing session ids instead of opening a tab")
	return cmd
}

func attach(parent context.Context, remote *websocket.Remote, logger *zap.Logger, fontSize int, first mux.OpenOptions, resume []string) error {
	restore, err := console.MakeRaw(os.Stdin)
	if err != nil {
		return err
	}
	defer restore()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	con := console.New(os.Stdout, console.SizeOf(os.Stdout), console.DefaultScrollback)
	m := mux.New(remote, con.NewWidget, mux.Options{
		Logger:          logger,
		FontStore:       remote,
		DefaultFontSize: fontSize,
		OnNotice: func(n mux.Notice) {
			con.Status(n.Level.String() + ": " + n.Message)
		},
		OnChange: func(tabs []mux.TabInfo) {
			con.SetTitle(console.WindowTitle(tabs))
			if len(tabs) == 0 {
				cancel()
			}
		},
	})
	go func() { _ = m.Run(ctx) }()

	open := func(opts mux.OpenOptions) {
		id, err := m.OpenTab(ctx, opts)
		if err == nil {
			_ = m.Mount(id)
		}
	}
	if len(resume) > 0 {
		for _, id := range resume {
			if err := m.AdoptTab(ctx, models.SessionID(id), ""); err != nil {
				con.Status(fmt.Sprintf("error: resume %s: %v", id, err))
				continue
			}
			_ = m.Mount(models.SessionID(id))
		}
	} else {
		open(first)
	}
	if len(m.Tabs()) == 0 {
		cancel()
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				_ = m.ViewportChanged()
			}
		}
	}()

	go func() {
		if err := remote.WatchSettings(ctx, func(s models.Settings) { _ = m.SyncFontSize(s.FontSize) }); err != nil && ctx.Err() == nil {
			logger.Debug("settings watch ended", zap.Error(err))
		}
	}()

	keys := console.NewKeys(m)
	keys.NewTab = func() { go open(mux.OpenOptions{}) }
	keys.Detach = cancel
	keys.List = func(tabs []mux.TabInfo) { con.Status(console.TabList(tabs)) }

	err = keys.Pump(ctx, os.Stdin)
	cancel()
	<-m.Done()
	con.SetTitle("")
	if err == nil || ctx.Err() != nil {
		return nil
	}
	return err
}

func newSessionsCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the host's sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, _, _, err := dial(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			list, err := remote.Sessions(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATE\tPID\tSIZE\tSHELL\tCWD\tSTARTED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%dx%d\t%s\t%s\t%s\n",
					s.ID, s.State, s.PID, s.Cols, s.Rows, s.Shell, s.Cwd,
					s.StartedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newFontSizeCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "font-size [px]",
		Short: "Show or set the shared terminal font size",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, _, _, err := dial(flags)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			if len(args) == 1 {
				px, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid font size %q", args[0])
				}
				if err := remote.SetFontSize(ctx, px); err != nil {
					return err
				}
			}
			px, err := remote.FontSize(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), px)
			return err
		},
	}
}
