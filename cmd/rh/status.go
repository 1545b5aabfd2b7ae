package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/roundhouse/internal/config"
	"github.com/zulandar/roundhouse/internal/db"
	"github.com/zulandar/roundhouse/internal/models"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the instance fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, all)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "roundhouse.yaml", "path to Roundhouse config file")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include archived instances")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string, all bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}

	query := gormDB.Order("created_at")
	if !all {
		query = query.Where("is_archived = ?", false)
	}
	var instances []models.Instance
	if err := query.Find(&instances).Error; err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	if len(instances) == 0 {
		fmt.Fprintln(out, "No instances.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tZONE\tTYPE\tMODEL\tSTATUS\tIP\tHEARTBEAT\tAGE")
	now := time.Now().UTC()
	for _, inst := range instances {
		hb := "-"
		if inst.WorkerLastHeartbeat != nil {
			hb = formatAge(now.Sub(*inst.WorkerLastHeartbeat)) + " ago"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(inst.ID), inst.Provider, inst.Zone, inst.InstanceType,
			inst.ModelID, inst.Status, inst.IPAddress, hb, formatAge(now.Sub(inst.CreatedAt)))
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
