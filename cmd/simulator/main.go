package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anon-forum/internal/logging"
	"anon-forum/simulator"

	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "simulator",
		Usage: "drive a running forum with simulated anonymous users",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", EnvVars: []string{"ENGINE_URL"}},
			&cli.IntFlag{Name: "users", Value: 10},
			&cli.DurationFlag{Name: "duration", Value: 10 * time.Minute},
			&cli.Float64Flag{Name: "post-frequency", Value: 100, Usage: "posts per user per hour"},
			&cli.Float64Flag{Name: "reply-frequency", Value: 60, Usage: "replies per user per hour"},
			&cli.Float64Flag{Name: "vote-frequency", Value: 100, Usage: "votes per user per hour"},
			&cli.Float64Flag{Name: "poll-percentage", Value: 0.3},
			&cli.Float64Flag{Name: "disconnect-rate", Value: 0.01},
			&cli.Float64Flag{Name: "reconnect-rate", Value: 0.05},
			&cli.Float64Flag{Name: "zipf", Value: 1.07},
			&cli.StringFlag{Name: "log-level", Value: "info"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := logging.New(os.Stderr, c.String("log-level"), "text")
	if err != nil {
		return err
	}

	config := simulator.SimConfig{
		NumUsers:       c.Int("users"),
		SimulationTime: c.Duration("duration"),
		PostFrequency:  c.Float64("post-frequency"),
		ReplyFrequency: c.Float64("reply-frequency"),
		VoteFrequency:  c.Float64("vote-frequency"),
		PollPercentage: c.Float64("poll-percentage"),
		DisconnectRate: c.Float64("disconnect-rate"),
		ReconnectRate:  c.Float64("reconnect-rate"),
		ZipfS:          c.Float64("zipf"),
		EngineURL:      c.String("url"),
		Logger:         logger,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := simulator.NewSimulator(config)
	if err := sim.Run(ctx); err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	m := sim.GetMetrics()
	logger.Info("simulation completed",
		"users", m.TotalUsers,
		"active_users", m.ActiveUsers,
		"posts", m.TotalPosts,
		"replies", m.TotalReplies,
		"votes", m.TotalVotes,
		"upvotes", m.TotalUpvotes,
		"conflicts", m.Conflicts,
		"errors", m.ErrorCount,
	)
	return nil
}

