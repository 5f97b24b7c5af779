// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/AleutianAudit/pkg/ux"
	"github.com/AleutianAI/AleutianAudit/services/audit"
	"github.com/AleutianAI/AleutianAudit/services/audit/engine"
	"github.com/AleutianAI/AleutianAudit/services/audit/report"
	"github.com/spf13/cobra"
)

var verdictOrder = []engine.Verdict{
	engine.VerdictYes,
	engine.VerdictNo,
	engine.VerdictNotSure,
	engine.VerdictUnparseable,
}

func runDetect(cmd *cobra.Command, _ []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime, out *ux.Printer) error {
		sum, err := rt.service.Detect(ctx, rt.project())
		printSummary(out, "Detection", sum)
		return err
	})
}

func runConfirm(cmd *cobra.Command, _ []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime, out *ux.Printer) error {
		sum, err := rt.service.Confirm(ctx, rt.project())
		printSummary(out, "Confirmation", sum)
		return err
	})
}

func runAll(cmd *cobra.Command, _ []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime, out *ux.Printer) error {
		sum, err := rt.service.Run(ctx, rt.project())
		printSummary(out, "Audit", sum)
		if err != nil {
			return err
		}
		return writeReport(ctx, rt, out)
	})
}

func runReport(cmd *cobra.Command, _ []string) error {
	return withRuntime(cmd, func(ctx context.Context, rt *runtime, out *ux.Printer) error {
		return writeReport(ctx, rt, out)
	})
}

// withRuntime builds the runtime, runs fn and records the outcome.
func withRuntime(cmd *cobra.Command, fn func(context.Context, *runtime, *ux.Printer) error) error {
	ctx := cmd.Context()
	rt, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
			fmt.Fprintf(os.Stderr, "audit: shutdown: %v\n", cerr)
		}
	}()

	mode := ux.DetectMode(os.Stdout)
	if outputMode != "" {
		mode = ux.ParseMode(outputMode)
	}
	out := ux.NewPrinter(cmd.OutOrStdout(), mode)

	err = fn(ctx, rt, out)
	rt.metrics.RecordRun(ctx, cmd.Name(), err)
	if err != nil {
		rt.log.Error("Command failed", slog.String("command", cmd.Name()), slog.String("error", err.Error()))
		out.Error(err.Error())
	}
	return err
}

func writeReport(ctx context.Context, rt *runtime, out *ux.Printer) error {
	r, err := rt.service.Report(ctx, rt.cfg.ProjectID)
	if err != nil {
		return err
	}
	if err := report.Write(ctx, r, rt.cfg.Output, rt.cfg.Report.CredentialsFile); err != nil {
		return err
	}
	printFindings(out, r)
	out.Success(fmt.Sprintf("Report written to %s", rt.cfg.Output))
	return nil
}

func printSummary(out *ux.Printer, title string, sum *audit.Summary) {
	if sum == nil {
		return
	}
	out.Box(title, summaryRows(sum))
}

// summaryRows lists the counters that a command actually touched.
func summaryRows(sum *audit.Summary) []ux.Row {
	rows := []ux.Row{{Key: "Project", Value: sum.ProjectID}}
	add := func(key string, n int) {
		rows = append(rows, ux.Row{Key: key, Value: fmt.Sprint(n)})
	}
	if sum.Functions > 0 {
		add("Functions", sum.Functions)
	}
	if sum.Planned > 0 || sum.Flows > 0 {
		add("Business flows", sum.Flows)
		add("Tasks planned", sum.Planned)
	}
	if sum.Scan.Total > 0 {
		add("Scanned", sum.Scan.Scanned)
		add("Already scanned", sum.Scan.Skipped)
		add("Empty replies", sum.Scan.Empty)
	}
	if sum.Confirm.Total > 0 {
		add("Context expanded", sum.Confirm.Expanded)
		add("Confirmed", sum.Confirm.Confirmed)
		add("Aborted", sum.Confirm.Aborted)
		for _, v := range verdictOrder {
			if n := sum.Confirm.Verdicts[v]; n > 0 {
				add("Verdict "+v.String(), n)
			}
		}
	}
	add("LLM calls", sum.Usage.Calls)
	add("Tokens", sum.Usage.Total())
	if sum.Duration > 0 {
		rows = append(rows, ux.Row{Key: "Duration", Value: sum.Duration.Round(time.Millisecond).String()})
	}
	return rows
}

func printFindings(out *ux.Printer, r *report.Report) {
	if len(r.Results) == 0 {
		out.Success("No confirmed findings")
		return
	}
	out.Title(fmt.Sprintf("%d findings", len(r.Results)))
	for _, res := range r.Results {
		loc := "unknown location"
		if len(res.AffectedFiles) > 0 {
			f := res.AffectedFiles[0]
			loc = fmt.Sprintf("%s:%d-%d", f.FilePath, f.Range.Start.Line, f.Range.End.Line)
		}
		out.Finding(res.Title, loc)
	}
}
