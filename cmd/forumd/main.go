package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anon-forum/internal/app"
	"anon-forum/internal/config"
	"anon-forum/internal/feed"
	"anon-forum/internal/identity"
	"anon-forum/internal/logging"
	"anon-forum/internal/threads"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "forumd",
		Usage: "anonymous Q&A forum server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "log-format",
				EnvVars: []string{"LOG_FORMAT"},
				Value:   "text",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and websocket server",
				Action: serve,
			},
			{
				Name:  "reconcile",
				Usage: "recount stored replies and repair reply counts",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "post",
						Usage: "only recount this post",
					},
				},
				Action: reconcile,
			},
			{
				Name:   "token",
				Usage:  "issue an anonymous identity token",
				Action: token,
			},
		},
		DefaultCommand: "serve",
		ErrWriter:      os.Stderr,
	}
}

func setup(cmd *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	l, err := logging.New(cmd.App.ErrWriter, cmd.String("log-level"), cmd.String("log-format"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

var serve = func(cmd *cli.Context) error {
	cfg, l, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			l.Error("failed to close store", "error", err)
		}
	}()

	return a.Run(ctx)
}

var reconcile = func(cmd *cli.Context) error {
	cfg, l, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context

	st, err := app.OpenStore(ctx, cfg.Store, l)
	if err != nil {
		return err
	}
	defer st.Close(context.Background())

	agg := threads.New(st, feed.NewManager(st, l, nil), threads.Options{
		MaxRetries: cfg.Forum.VoteMaxRetries,
		Logger:     l,
	})

	if postID := cmd.String("post"); postID != "" {
		n, err := agg.ReconcileReplyCount(ctx, postID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.App.Writer, "post %s: %d replies\n", postID, n)
		return nil
	}

	changed, err := agg.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.App.Writer, "%d reply counts corrected\n", changed)
	return nil
}

var token = func(cmd *cli.Context) error {
	cfg, l, err := setup(cmd)
	if err != nil {
		return err
	}
	provider, err := identity.NewProvider([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL, identity.WithLogger(l))
	if err != nil {
		return err
	}
	tok, id, err := provider.SignInAnonymously(cmd.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.App.Writer, "user:    %s\nexpires: %s\ntoken:   %s\n", id.UserID, id.ExpiresAt.Format(time.RFC3339), tok)
	return nil
}
