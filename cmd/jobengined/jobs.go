package main

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"jobengine/internal/core"
	"jobengine/internal/jobfile"
)

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Import and export job definitions",
		Long: `Import and export job definitions as YAML.

These commands work on the store directly. A running daemon picks up
imported cron schedules on its next start; use the HTTP API to change
jobs of a running daemon.`,
	}
	cmd.AddCommand(jobsImportCmd(), jobsExportCmd())
	return cmd
}

func jobsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create or replace jobs from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "open job file")
			}
			defer in.Close()
			f, err := jobfile.Decode(in)
			if err != nil {
				return err
			}

			return withEngine(cmd, func(ctx context.Context, e *engine) error {
				res, err := jobfile.NewImporter(e.manager, e.registry, e.jobDefaults()).Import(ctx, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %d, updated %d jobs\n", len(res.Created), len(res.Updated))
				return nil
			})
		},
	}
}

func jobsExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every job as YAML",
		Args:  cobra.NoArgs,
	}
	output := cmd.Flags().StringP("output", "o", "", "write to this file instead of stdout")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine) error {
			out := cmd.OutOrStdout()
			if *output != "" {
				file, err := os.Create(*output)
				if err != nil {
					return errors.Wrap(err, "create export file")
				}
				defer file.Close()
				out = file
			}
			n, err := jobfile.Export(ctx, e.manager, out)
			if err != nil {
				return err
			}
			e.logger.Infow("jobs exported", "count", n)
			return nil
		})
	}
	return cmd
}

func executionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Operator actions on job executions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <job-id>",
		Short: "Mark every FAILED execution of a job as RESOLVED so it can be scheduled again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(ctx context.Context, e *engine) error {
				job, err := e.manager.Load(ctx, args[0])
				if err != nil {
					return err
				}
				failed, err := e.manager.CountExecutionsOfJobInState(ctx, job.ID, core.StateFailed)
				if err != nil {
					return err
				}
				if err := e.manager.UpdateAllExecutionsOfJob(ctx, job.ID, core.StateFailed, core.StateResolved); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %d failed executions of %s\n", failed, job.Name)
				return nil
			})
		},
	})
	return cmd
}
