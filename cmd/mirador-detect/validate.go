package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-detect/internal/config"
	"github.com/miradorstack/mirador-detect/internal/engine"
	"github.com/miradorstack/mirador-detect/internal/models"
)

func newValidateCmd() *cobra.Command {
	var alertsPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check that an alert pack loads and every plan builds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if alertsPath == "" {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				alertsPath = cfg.Alerts.Path
			}
			alerts, err := config.LoadAlerts(alertsPath)
			if err != nil {
				return err
			}
			if err := validateAlerts(alerts, builtinTypes()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d alerts valid in %s\n", len(alerts), alertsPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&alertsPath, "alerts", "", "Alert pack to validate; defaults to alerts.path from the config")
	return cmd
}

// builtinTypes lists the node types a default factory can build.
func builtinTypes() map[string]bool {
	f := engine.NewOperatorFactory()
	engine.RegisterBuiltins(f, engine.Dependencies{})
	known := make(map[string]bool)
	for _, t := range f.Types() {
		known[t] = true
	}
	return known
}

// validateAlerts builds every plan and checks node types, reporting all failures.
func validateAlerts(alerts []models.Alert, known map[string]bool) error {
	var errs []error
	for _, alert := range alerts {
		if _, err := engine.BuildPlan(alert.Nodes); err != nil {
			errs = append(errs, fmt.Errorf("alert %q: %w", alert.Name, err))
			continue
		}
		for _, node := range alert.Nodes {
			if !known[node.Type] {
				errs = append(errs, fmt.Errorf("alert %q: node %q has unknown type %q", alert.Name, node.Name, node.Type))
			}
		}
	}
	return errors.Join(errs...)
}
