package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"wardend/internal/iteration"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and iteration counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.Status()
			if err != nil {
				return err
			}

			fmt.Printf("wardend %s, up %s\n", status.Version, formatUptime(status.UptimeSec))
			fmt.Println()
			if status.Pending != nil {
				fmt.Println("Pending proposal:")
				printIteration(status.Pending)
			} else {
				fmt.Println("No pending proposal.")
			}
			fmt.Println()
			fmt.Println("Iterations:")
			for _, key := range []string{"pending", "approved", "rejected", "error"} {
				if n, ok := status.Counts[key]; ok {
					fmt.Printf("  %-9s %d\n", key, n)
				}
			}
			fmt.Printf("\nShadow workspace: %d entries, %d bytes\n",
				status.Workspace.Entries, status.Workspace.TotalBytes)
			fmt.Printf("Backups retained: %d\n", status.Backups)
			return nil
		},
	}
}

func newNoticeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notice",
		Short: "Print the capability notice shown to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			notice, err := client.Notice()
			if err != nil {
				return err
			}
			fmt.Println(notice)
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded iterations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.History(limit)
			if err != nil {
				return err
			}
			if len(resp.Iterations) == 0 {
				fmt.Println("No iterations recorded.")
				return nil
			}
			for _, it := range resp.Iterations {
				fmt.Printf("%s  %-8s  %s\n",
					it.CreatedAt.Format("2006-01-02 15:04:05"), it.Status, it.Target)
				if it.Reason != "" {
					fmt.Printf("%21s %s\n", "", it.Reason)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum iterations to list")
	return cmd
}

func newIterateCmd() *cobra.Command {
	var proposer, description string
	cmd := &cobra.Command{
		Use:   "iterate <target> <content-file>",
		Short: "Propose new content for a file",
		Long: `Propose replacing <target> with the contents of <content-file>.
The proposal is staged in the shadow workspace and waits for an
explicit approve or reject; the live file is untouched until then.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve target: %w", err)
			}
			content, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read content file: %w", err)
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Submit(target, content, proposer, description)
			if err != nil {
				return err
			}

			fmt.Println("Proposal staged:")
			printIteration(resp.Iteration)
			fmt.Println("\nRun 'wardenctl diff' to review, then 'wardenctl approve' or 'wardenctl reject'.")
			return nil
		},
	}
	cmd.Flags().StringVar(&proposer, "proposer", "", "who is proposing the change")
	cmd.Flags().StringVarP(&description, "message", "m", "", "description of the change")
	return cmd
}

func newApproveCmd() *cobra.Command {
	var reviewer string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Apply the pending proposal to the live tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Approve(reviewer)
			if err != nil {
				return err
			}

			fmt.Printf("Approved and applied: %s\n", resp.Iteration.Target)
			if resp.BackupID != 0 {
				fmt.Printf("Previous content saved as backup %d\n", resp.BackupID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "who is approving")
	return cmd
}

func newRejectCmd() *cobra.Command {
	var reviewer, reason string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Discard the pending proposal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Reject(reviewer, reason)
			if err != nil {
				return err
			}

			fmt.Printf("Rejected: %s\n", resp.Iteration.Target)
			return nil
		},
	}
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "who is rejecting")
	cmd.Flags().StringVarP(&reason, "reason", "m", "", "why the proposal is rejected")
	return cmd
}

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff",
		Short: "Show the pending proposal's diff against the live file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Diff()
			if err != nil {
				return err
			}

			report := resp.Report
			if report.Identical() {
				fmt.Printf("%s: no changes\n", report.Target)
				return nil
			}
			fmt.Printf("%s (+%d -%d)\n\n", report.Target, report.Added, report.Removed)
			fmt.Print(report.Unified)
			return nil
		},
	}
}

func newRollbackCmd() *cobra.Command {
	var requester string
	cmd := &cobra.Command{
		Use:   "rollback <backup-id>",
		Short: "Restore a file from a retained backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid backup id %q", args[0])
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Rollback(id, requester)
			if err != nil {
				return err
			}

			fmt.Printf("Restored %s from backup %d\n", resp.Target, resp.BackupID)
			return nil
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "who is requesting the rollback")
	return cmd
}

func newBackupsCmd() *cobra.Command {
	var target string
	var limit int
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "List retained backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.ListBackups(target, limit)
			if err != nil {
				return err
			}
			if len(resp.Backups) == 0 {
				fmt.Println("No backups retained.")
				return nil
			}
			for _, b := range resp.Backups {
				created := time.Unix(0, b.CreatedNs)
				fmt.Printf("%-20d %s  %6d bytes  %s\n",
					b.ID, created.Format("2006-01-02 15:04:05"), b.Size, b.Target)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "only list backups of this file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum backups to list")
	return cmd
}

func newReadCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "read <path>",
		Short: "Read a file through the daemon's gatekeeper",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}

			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.ReadFile(path, offset, limit)
			if err != nil {
				return err
			}
			fmt.Print(resp.Content)
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "first line to read (0-based)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum lines to read (0 = all)")
	return cmd
}

func newExecCmd() *cobra.Command {
	var workdir string
	cmd := &cobra.Command{
		Use:   "exec <command>",
		Short: "Run a whitelisted command through the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect()
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Exec(args[0], workdir)
			if err != nil {
				return err
			}

			fmt.Print(resp.Stdout)
			if resp.Stderr != "" {
				fmt.Fprint(os.Stderr, resp.Stderr)
			}
			if resp.TimedOut {
				fmt.Fprintln(os.Stderr, "command timed out")
			}
			if resp.ExitCode != 0 {
				os.Exit(resp.ExitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workdir, "workdir", "w", "", "working directory for the command")
	return cmd
}

func printIteration(it *iteration.View) {
	fmt.Printf("  id:      %s\n", it.ID)
	fmt.Printf("  target:  %s\n", it.Target)
	fmt.Printf("  status:  %s\n", it.Status)
	if it.Description != "" {
		fmt.Printf("  message: %s\n", it.Description)
	}
	fmt.Printf("  created: %s\n", it.CreatedAt.Format(time.RFC3339))
	if it.Diff.Added > 0 || it.Diff.Removed > 0 {
		fmt.Printf("  diff:    +%d -%d\n", it.Diff.Added, it.Diff.Removed)
	}
	if !it.Verification.Valid {
		fmt.Printf("  verify:  %s\n", it.Verification.Summary())
	}
}

func formatUptime(sec int64) string {
	d := time.Duration(sec) * time.Second
	if d < time.Minute {
		return d.String()
	}
	return d.Truncate(time.Second).String()
}
