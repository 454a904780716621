// Command philosopher runs one node of the dining philosophers ring.
//
// Every flag can also be set through the environment as PHILOSOPHER_<FLAG>,
// with dashes turned into underscores (for example PHILOSOPHER_LISTEN_PORT).
// Variables may come from a .env file. Explicit flags win over the
// environment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"philosophers/internal/config"
	"philosophers/internal/node"
)

const envPrefix = "PHILOSOPHER_"

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Printf("FATAL: %v", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		log.Printf("[node %d] FATAL: %v", cfg.NodeID, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	defer n.Stop()

	if err := n.Start(ctx); err != nil {
		return err
	}

	select {
	case <-n.Ready():
	case <-ctx.Done():
		return nil
	}

	return n.Run(ctx)
}

// parseConfig builds the node config from flags, the environment and an
// optional .env file, then validates it.
func parseConfig(args []string) (config.Config, error) {
	cfg := config.Default()
	fs := flag.NewFlagSet("philosopher", flag.ContinueOnError)

	var left, right, envFile string
	fs.IntVar(&cfg.NodeID, "id", 0, "node id (positive, unique in the ring)")
	fs.IntVar(&cfg.ListenPort, "listen-port", 0, fmt.Sprintf("link port (%d-%d)", config.MinPort, config.MaxPort))
	fs.StringVar(&left, "left", "", "left neighbor host:port")
	fs.StringVar(&right, "right", "", "right neighbor host:port")
	fs.StringVar(&cfg.StatusAddr, "status-addr", "", "status HTTP address, disabled when empty")
	fs.DurationVar(&cfg.GossipInterval, "gossip-interval", cfg.GossipInterval, "counter gossip period")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "liveness probe period")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "fork wait poll period")
	fs.DurationVar(&cfg.ThinkMin, "think-min", cfg.ThinkMin, "shortest think time")
	fs.DurationVar(&cfg.ThinkMax, "think-max", cfg.ThinkMax, "longest think time")
	fs.DurationVar(&cfg.EatMin, "eat-min", cfg.EatMin, "shortest eat time")
	fs.DurationVar(&cfg.EatMax, "eat-max", cfg.EatMax, "longest eat time")
	fs.IntVar(&cfg.DialAttempts, "dial-attempts", cfg.DialAttempts, "connection attempts per neighbor")
	fs.DurationVar(&cfg.DialBackoff, "dial-backoff", cfg.DialBackoff, "pause between connection attempts")
	fs.StringVar(&envFile, "env-file", ".env", "optional file with PHILOSOPHER_* variables")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["env-file"] {
		if v := os.Getenv(envKey("env-file")); v != "" {
			envFile = v
		}
	}
	if err := config.LoadEnv(envFile); err != nil {
		return cfg, err
	}

	var envErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "env-file" || envErr != nil {
			return
		}
		v := os.Getenv(envKey(f.Name))
		if v == "" {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			envErr = &config.Error{Field: f.Name, Value: v, Reason: fmt.Sprintf("bad %s: %v", envKey(f.Name), err)}
		}
	})
	if envErr != nil {
		return cfg, envErr
	}

	var err error
	if left == "" {
		return cfg, &config.Error{Field: "left", Value: left, Reason: "required"}
	}
	if cfg.LeftHost, cfg.LeftPort, err = config.ParseNeighbor(left); err != nil {
		return cfg, err
	}
	if right == "" {
		return cfg, &config.Error{Field: "right", Value: right, Reason: "required"}
	}
	if cfg.RightHost, cfg.RightPort, err = config.ParseNeighbor(right); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envKey(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}
