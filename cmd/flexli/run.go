package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/flexli/flexli/internal/engine"
	"github.com/flexli/flexli/internal/validation"
	"github.com/flexli/flexli/pkg/schema"
)

var (
	workflowFile string
	inputFile    string
	runTenant    string
	applyTenant  string
	enableFlag   bool
	purgeHistory bool
	jqFilter     string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow file in-process and print its history",
	Long: `Run loads a workflow document, runs it to completion in this process and
prints the run history as JSON. Waits of any length are slept in place.
--jq filters the printed document with a jq expression.

Example:
  flexli run -f workflow.yaml --input input.json
  flexli run -f workflow.yaml --jq '.history[] | select(.status == "failed") | .reason'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := newApp(ctx, cfg, logger, appOptions{inline: true})
		if err != nil {
			return err
		}
		defer a.Close()

		wf, err := loadWorkflowFile(a.validator, workflowFile, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		wf.TenantID = runTenant
		wf.Enabled = true
		if wf.ID == "" {
			wf.ID = uuid.NewString()
		}
		if wf.Version == 0 {
			wf.Version = 1
		}

		input, err := readInput(inputFile)
		if err != nil {
			return err
		}
		return runInline(ctx, a, wf, input, cmd.OutOrStdout(), jqFilter)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a workflow file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		wv, err := newStandaloneValidator()
		if err != nil {
			return err
		}
		if _, err := loadWorkflowFile(wv, workflowFile, cmd.ErrOrStderr()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", workflowFile)
		return nil
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Store a workflow version for a tenant",
	Long: `Apply validates a workflow document and stores it under the tenant.
Schedule-sourced workflows are picked up by the next worker start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{inline: true})
		if err != nil {
			return err
		}
		defer a.Close()

		wf, err := loadWorkflowFile(a.validator, workflowFile, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if wf.ID == "" {
			return fmt.Errorf("%s: workflow id is required", workflowFile)
		}
		if wf.Version == 0 {
			wf.Version = 1
		}
		wf.TenantID = applyTenant
		wf.Enabled = enableFlag
		if err := a.store.PutWorkflow(ctx, wf); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s version %d for tenant %s\n", wf.ID, wf.Version, wf.TenantID)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{inline: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if !purgeHistory {
			logger.InfoContext(ctx, "migrations applied", "db_path", cfg.DBPath)
			return nil
		}
		n, err := a.store.PurgeExpiredHistory(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if err := a.store.Vacuum(ctx); err != nil {
			return err
		}
		logger.InfoContext(ctx, "expired history purged", "entries", n)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{runCmd, validateCmd, applyCmd} {
		c.Flags().StringVarP(&workflowFile, "file", "f", "", "Workflow document (YAML or JSON)")
		_ = c.MarkFlagRequired("file")
	}
	runCmd.Flags().StringVar(&inputFile, "input", "", "JSON source input (default: {})")
	runCmd.Flags().StringVar(&runTenant, "tenant", "local", "Tenant to run as")
	runCmd.Flags().StringVar(&jqFilter, "jq", "", "Filter the printed run with a jq expression")
	applyCmd.Flags().StringVar(&applyTenant, "tenant", "", "Tenant owning the workflow")
	applyCmd.Flags().BoolVar(&enableFlag, "enable", true, "Store the version enabled")
	_ = applyCmd.MarkFlagRequired("tenant")
	migrateCmd.Flags().BoolVar(&purgeHistory, "purge", false, "Also delete expired history and vacuum")
}

// runInline runs wf to completion and writes the run and its history to w,
// optionally through a jq filter. A run that does not succeed is reported as
// an error after printing.
func runInline(ctx context.Context, a *app, wf *schema.Workflow, input any, w io.Writer, filter string) error {
	msg, err := a.launcher.Prepare(ctx, wf, input, engine.LaunchOptions{})
	if err != nil {
		return err
	}
	if err := a.launcher.Record(ctx, msg); err != nil {
		return err
	}
	status, err := a.runner.Start(ctx, msg)
	if err != nil {
		return err
	}

	history, err := a.store.ListHistory(ctx, wf.TenantID, msg.RunID)
	if err != nil {
		return err
	}
	err = printJSON(ctx, w, map[string]any{
		"run_id":  msg.RunID,
		"status":  status,
		"history": history,
	}, filter)
	if err != nil {
		return err
	}

	if status != schema.RunStatusSuccessful {
		return fmt.Errorf("run %s finished %s", msg.RunID, status)
	}
	return nil
}

// loadWorkflowFile parses and checks path, writing every issue to errOut.
func loadWorkflowFile(wv *validation.WorkflowValidator, path string, errOut io.Writer) (*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	wf, result, err := wv.Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, issue := range result.Warnings {
		fmt.Fprintf(errOut, "warning %s: %s\n", issue.Path, issue.Message)
	}
	if !result.Valid() {
		for _, issue := range result.Errors {
			fmt.Fprintf(errOut, "error %s: %s\n", issue.Path, issue.Message)
		}
		return nil, fmt.Errorf("%s: %d validation errors", path, len(result.Errors))
	}
	return wf, nil
}

// readInput decodes a JSON input file. No file means an empty object.
func readInput(path string) (any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("%s: input is not valid JSON: %w", path, err)
	}
	return input, nil
}
