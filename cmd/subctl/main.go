package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/SubGate/app/models"
	"github.com/ManuelReschke/SubGate/internal/pkg/billing"
	"github.com/ManuelReschke/SubGate/internal/pkg/cache"
	"github.com/ManuelReschke/SubGate/internal/pkg/database"
	"github.com/ManuelReschke/SubGate/internal/pkg/env"
	"github.com/ManuelReschke/SubGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SubGate/internal/pkg/services"
)

var rootCmd = &cobra.Command{
	Use:   "subctl",
	Short: "Operate SubGate subscription records",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		env.SetupEnvFile()
	},
}

var userCreateCmd = &cobra.Command{
	Use:   "user-create <name> <email>",
	Short: "Create a user with an inactive subscription record and print its API key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := load()
		user, err := models.CreateUser(args[0], args[1])
		if err != nil {
			return err
		}
		rawKey, err := user.IssueAPIKey()
		if err != nil {
			return err
		}
		if err := svc.Repos.User.Create(user); err != nil {
			return fmt.Errorf("creating user: %w", err)
		}
		fmt.Printf("User %d created\nAPI key (shown once): %s\n", user.ID, rawKey)
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <user_id>",
	Short: "Pull the provider's view for one user and reconcile it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		svc := load()
		ctx, cancel := context.WithTimeout(context.Background(), 2*svc.Config.ProviderTimeout)
		defer cancel()
		snap, err := svc.Refresher.Refresh(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(snap)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user_id>",
	Short: "Print the stored subscription record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		svc := load()
		rec, err := svc.Repos.Subscriptions.Get(context.Background(), userID)
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Enqueue refresh jobs for records whose period has ended",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := load()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := svc.Jobs.SweepLapsed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Enqueued %d refresh jobs\n", n)
		return nil
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue-refresh <user_id>",
	Short: "Schedule a background refresh for one user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		svc := load()
		job, ok, err := svc.Jobs.EnqueueRefresh(context.Background(), userID, jobqueue.RefreshReasonOperator)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("A refresh for this user is already pending")
			return nil
		}
		fmt.Printf("Enqueued job %s\n", job.ID)
		return nil
	},
}

var statsFresh bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print subscription record counts by status and the refresh queue state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := load()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		get := svc.Stats.Get
		if statsFresh {
			get = svc.Stats.Refresh
		}
		stats, err := get(ctx)
		if err != nil {
			return err
		}
		jobs, err := svc.Jobs.Stats(ctx)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"subscriptions": stats, "jobs": jobs})
	},
}

func init() {
	statsCmd.Flags().BoolVar(&statsFresh, "fresh", false, "bypass the cached statistics")
	rootCmd.AddCommand(userCreateCmd, refreshCmd, statusCmd, sweepCmd, enqueueCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func load() *services.Services {
	cfg := billing.ConfigFromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid billing configuration: %v\n", err)
		os.Exit(1)
	}
	database.SetupDatabase()
	return services.New(database.GetDB(), cache.GetClient(), cfg)
}

func parseUserID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", raw)
	}
	return uint(id), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
