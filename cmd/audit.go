package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
)

type auditOptions struct {
	projectID string
	url       string
	name      string
	timeout   time.Duration
}

// newAuditCmd creates the 'audit' subcommand, which runs the whole pipeline
// for one project in-process and prints the report.
func newAuditCmd() *cobra.Command {
	opts := auditOptions{}
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audits one site and prints the report",
		Long: `Onboards a project, audits every page its sitemap lists, and prints the
generated report as JSON. Passing --url registers or updates the project first.`,
		Annotations: map[string]string{inProcessAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAudit(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.projectID, "project-id", "", "project to audit (required)")
	cmd.Flags().StringVar(&opts.url, "url", "", "site root; registers the project when set")
	cmd.Flags().StringVar(&opts.name, "name", "", "project display name (defaults to the URL)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 15*time.Minute, "upper bound for the whole audit")
	_ = cmd.MarkFlagRequired("project-id")
	return cmd
}

func runAudit(cmd *cobra.Command, opts auditOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := appInstance.Logger()

	if opts.url != "" {
		name := opts.name
		if name == "" {
			name = opts.url
		}
		if err := appInstance.Projects().PutProject(ctx, audit.Project{ID: opts.projectID, Name: name, URL: opts.url}); err != nil {
			return fmt.Errorf("register project: %w", err)
		}
	}

	res, err := appInstance.Pipeline().Onboard(ctx, audit.StageRequest{ProjectID: opts.projectID})
	if err != nil {
		return fmt.Errorf("onboard: %w", err)
	}
	jobID, _ := res["job_id"].(string)
	logger.Info("audit started", zap.String("project_id", opts.projectID), zap.String("job_id", jobID))

	waitCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	if err := appInstance.Supervisor().Wait(waitCtx); err != nil {
		return fmt.Errorf("wait for audit %s: %w", jobID, err)
	}

	job, err := appInstance.Jobs().Job(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status == audit.JobStatusFailed {
		return fmt.Errorf("audit %s failed: %s", jobID, job.ErrorMessage)
	}

	report, err := appInstance.Reports().GetReport(ctx, opts.projectID, jobID)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			return fmt.Errorf("audit %s finished as %s without a report", jobID, job.Status)
		}
		return fmt.Errorf("load report: %w", err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, report.Content, "", "  "); err != nil {
		return fmt.Errorf("format report: %w", err)
	}
	out.WriteByte('\n')
	if _, err := cmd.OutOrStdout().Write(out.Bytes()); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
