package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/zulandar/roundhouse/internal/bus"
	"github.com/zulandar/roundhouse/internal/config"
)

// publish sends one command over the bus and prints its correlation id so
// the operator can grep the action log for the outcome.
func publish(cmd *cobra.Command, configPath string, command bus.Command) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pub := bus.NewPublisher(rdb, cfg.Redis.Channel)
	corrID, err := pub.Publish(context.Background(), command)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %s (correlation_id=%s)\n", command.Name, corrID)
	return nil
}

func newProvisionCmd() *cobra.Command {
	var (
		configPath   string
		providerName string
		zone         string
		instanceType string
		modelID      string
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Request a new instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if instanceType == "" {
				return fmt.Errorf("--type is required")
			}
			return publish(cmd, configPath, bus.Command{
				Name:         bus.CmdProvision,
				Provider:     providerName,
				Zone:         zone,
				InstanceType: instanceType,
				ModelID:      modelID,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "roundhouse.yaml", "path to Roundhouse config file")
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider (defaults to configured default)")
	cmd.Flags().StringVarP(&zone, "zone", "z", "", "zone (defaults to the provider's first zone)")
	cmd.Flags().StringVarP(&instanceType, "type", "t", "", "instance type code")
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "model the worker should serve")
	return cmd
}

func newTerminateCmd() *cobra.Command {
	var (
		configPath string
		reason     string
		graceful   bool
	)

	cmd := &cobra.Command{
		Use:   "terminate <instance-id>",
		Short: "Terminate an instance",
		Long:  "Requests termination. With --graceful, the worker drains its queue before the machine is deleted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, configPath, bus.Command{
				Name:       bus.CmdTerminate,
				InstanceID: args[0],
				Reason:     reason,
				Graceful:   graceful,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "roundhouse.yaml", "path to Roundhouse config file")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded in the ledger")
	cmd.Flags().BoolVarP(&graceful, "graceful", "g", false, "drain the worker queue first")
	return cmd
}

func newReinstallCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reinstall <instance-id>",
		Short: "Rebuild an instance in place",
		Long:  "Rebuilds the machine from its image, keeping its address. Used to recover a wedged worker.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, configPath, bus.Command{
				Name:       bus.CmdReinstall,
				InstanceID: args[0],
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "roundhouse.yaml", "path to Roundhouse config file")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run a full reconciliation now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, configPath, bus.Command{Name: bus.CmdReconcile})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "roundhouse.yaml", "path to Roundhouse config file")
	return cmd
}

func newSyncCatalogCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sync-catalog",
		Short: "Refresh the instance-type catalog now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, configPath, bus.Command{Name: bus.CmdSyncCatalog})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "roundhouse.yaml", "path to Roundhouse config file")
	return cmd
}
