package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailpull/internal/remote"
	mailsync "github.com/fenilsonani/mailpull/internal/sync"
	"github.com/fenilsonani/mailpull/internal/validation"
)

var (
	limitDays  int
	sendTo     []string
	sendCc     []string
	sendBcc    []string
	sendSubj   string
	sendBody   string
	sendHTML   bool
	sendAtTime string
)

var syncCmd = &cobra.Command{
	Use:   "sync [folder]",
	Short: "Pull new messages from the remote service",
	Long: `Lists each folder on the remote service, skips messages that are already
mirrored, and stores every new message under a freshly allocated short id.
Without a folder argument the folders from sync.folders are synced.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folders := cfg.Sync.Folders
		if len(args) == 1 {
			folders = []string{args[0]}
		}

		opts := mailsync.Options{LimitDays: cfg.Sync.LimitDays}
		if cmd.Flags().Changed("limit-days") {
			opts.LimitDays = limitDays
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		cmd.SetContext(ctx)

		return withSession(cmd, func(ctx context.Context, s *session) error {
			engine := mailsync.NewEngine(mailsync.Config{
				Account:         s.account,
				PageSize:        cfg.Sync.PageSize,
				MetricsTextfile: cfg.Metrics.Textfile,
			}, s.store, s.db, s.ids, s.remoteClient(), s.logger)

			report, err := engine.Run(ctx, folders, opts)
			if report != nil {
				printSyncReport(report)
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return nil
		})
	},
}

func printSyncReport(report *mailsync.Report) {
	fmt.Printf("%-12s %7s %7s %7s %7s %7s\n", "FOLDER", "LISTED", "KNOWN", "OLD", "SYNCED", "FAILED")
	fmt.Println("-----------------------------------------------------")
	for _, f := range report.Folders {
		fmt.Printf("%-12s %7d %7d %7d %7d %7d\n", f.Folder, f.Listed, f.Known, f.TooOld, f.Synced, f.Failed)
	}
	synced, failed := report.Totals()
	if failed > 0 {
		fmt.Printf("\nSynced %d messages (%d failed)\n", synced, failed)
	} else {
		fmt.Printf("\nSynced %d new messages\n", synced)
	}
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the maildir, sync records and id pool against each other",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			report, err := mailsync.Verify(ctx, s.store, s.db, s.ids)
			if err != nil {
				return err
			}

			fmt.Printf("Files: %d  Records: %d\n", report.Files, report.Records)
			for _, ref := range report.OrphanFiles {
				fmt.Printf("[file]   %s/%s has no sync record\n", ref.Folder, ref.LocalID)
			}
			for _, rec := range report.OrphanRecords {
				fmt.Printf("[record] %s/%s (remote %s) has no file\n", rec.Folder, rec.LocalID, rec.RemoteID)
			}
			for _, entry := range report.StuckIDs {
				fmt.Printf("[id]     %s bound to %s since %s has no sync record\n",
					entry.ShortID, entry.MessageRemoteID, entry.AssignedAt)
			}

			if !report.Clean() {
				return fmt.Errorf("found %d orphan files, %d orphan records, %d stuck ids",
					len(report.OrphanFiles), len(report.OrphanRecords), len(report.StuckIDs))
			}
			fmt.Println("Store is consistent")
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the remote service is reachable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			client := s.remoteClient()
			reply, err := client.Health(ctx)
			if err != nil {
				stats := client.CircuitStats()
				return fmt.Errorf("%w (circuit %s, %d consecutive failures)", err, stats.State, stats.FailureCount)
			}
			for k, v := range reply {
				fmt.Printf("%s: %v\n", k, v)
			}
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a message through the remote service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(sendTo) == 0 {
			return fmt.Errorf("at least one --to recipient is required")
		}
		for _, addr := range append(append(append([]string{}, sendTo...), sendCc...), sendBcc...) {
			if err := validation.Account(addr); err != nil {
				return fmt.Errorf("recipient %q: %w", addr, err)
			}
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			reply, err := s.remoteClient().SendMessage(ctx, s.account, remote.SendRequest{
				To:         sendTo,
				Cc:         sendCc,
				Bcc:        sendBcc,
				Subject:    sendSubj,
				Body:       sendBody,
				HTML:       sendHTML,
				ScheduleAt: sendAtTime,
			})
			if err != nil {
				return err
			}
			status := "sent"
			if v, ok := reply["status"].(string); ok && v != "" {
				status = v
			}
			fmt.Printf("Message to %s: %s\n", strings.Join(sendTo, ", "), status)
			return nil
		})
	},
}

func init() {
	syncCmd.Flags().IntVar(&limitDays, "limit-days", 0, "only sync messages received in the last N days (0 = no limit)")

	sendCmd.Flags().StringSliceVar(&sendTo, "to", nil, "recipient address (repeatable)")
	sendCmd.Flags().StringSliceVar(&sendCc, "cc", nil, "cc address (repeatable)")
	sendCmd.Flags().StringSliceVar(&sendBcc, "bcc", nil, "bcc address (repeatable)")
	sendCmd.Flags().StringVarP(&sendSubj, "subject", "s", "", "subject line")
	sendCmd.Flags().StringVarP(&sendBody, "body", "b", "", "message body")
	sendCmd.Flags().BoolVar(&sendHTML, "html", false, "send the body as HTML")
	sendCmd.Flags().StringVar(&sendAtTime, "schedule-at", "", "deliver later, at this ISO-8601 time")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sendCmd)
}
