// Package executors holds the built-in action executors.
package executors

import (
	"context"

	"autopilot/internal/config"
	"autopilot/internal/execution"
)

// Register adds every built-in executor to reg.
func Register(ctx context.Context, reg *execution.Registry, cfg config.ExecutorsConfig) error {
	report, err := NewReportExporter(ctx, cfg)
	if err != nil {
		return err
	}
	reg.Register(ActionExportReport, report)
	reg.Register(ActionWebhook, NewWebhook(cfg.WebhookTimeout, cfg.WebhookAllowedHosts))
	return nil
}
