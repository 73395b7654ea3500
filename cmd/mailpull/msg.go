package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailpull/internal/storage"
	"github.com/fenilsonani/mailpull/internal/storage/maildir"
	"github.com/fenilsonani/mailpull/internal/validation"
)

var (
	msgFolder string
	listLimit int
)

var msgCmd = &cobra.Command{
	Use:   "msg",
	Short: "Work with locally stored messages",
}

var msgFoldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List local folders with message counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			folders, err := s.store.ListFolders()
			if err != nil {
				return err
			}

			fmt.Printf("Mail root: %s\n\n", s.store.BasePath())
			fmt.Printf("%-20s %8s %8s %8s\n", "FOLDER", "UNREAD", "TOTAL", "SYNCED")
			fmt.Println("---------------------------------------------")
			for _, folder := range folders {
				unread, read, err := s.store.Count(folder)
				if err != nil {
					return err
				}
				synced, err := s.db.CountMessages(ctx, folder)
				if err != nil {
					return err
				}
				fmt.Printf("%-20s %8d %8d %8d\n", folder, unread, unread+read, synced)
			}
			return nil
		})
	},
}

var msgListCmd = &cobra.Command{
	Use:   "list [folder]",
	Short: "List synced messages, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		folder := storage.FolderInbox
		if len(args) == 1 {
			folder = args[0]
		}
		if err := validation.Folder(folder); err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			records, err := s.db.ListMessages(ctx, folder, listLimit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Printf("No messages in %s\n", folder)
				return nil
			}

			fmt.Printf("%-18s %-1s %-20s %-28s %s\n", "ID", "", "DATE", "FROM", "SUBJECT")
			fmt.Println(strings.Repeat("-", 100))
			for _, rec := range records {
				marker := " "
				if !rec.IsRead {
					marker = "*"
				}
				fmt.Printf("%-18s %-1s %-20s %-28s %s\n",
					rec.LocalID, marker, truncate(rec.ReceivedAt, 20), truncate(rec.FromAddr, 28), rec.Subject)
			}
			return nil
		})
	},
}

var msgReadCmd = &cobra.Command{
	Use:   "read <id>",
	Short: "Print a stored message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			msg, _, err := locateMessage(ctx, s, args[0])
			if err != nil {
				return err
			}

			f, err := msg.Open()
			if err != nil {
				return fmt.Errorf("failed to open message: %w", err)
			}
			defer f.Close()

			parsed, err := maildir.ParseMessage(f)
			if err != nil {
				return err
			}

			fmt.Printf("ID:      %s\n", msg.ID)
			fmt.Printf("Folder:  %s\n", msg.Folder)
			fmt.Printf("From:    %s\n", parsed.From)
			if len(parsed.To) > 0 {
				fmt.Printf("To:      %s\n", strings.Join(parsed.To, ", "))
			}
			if len(parsed.Cc) > 0 {
				fmt.Printf("Cc:      %s\n", strings.Join(parsed.Cc, ", "))
			}
			fmt.Printf("Date:    %s\n", parsed.Date)
			fmt.Printf("Subject: %s\n\n", parsed.Subject)
			fmt.Println(parsed.Body)
			return nil
		})
	},
}

var msgMarkCmd = &cobra.Command{
	Use:   "mark <id> <read|unread|flagged|unflagged>",
	Short: "Change message flags",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			msg, rec, err := locateMessage(ctx, s, args[0])
			if err != nil {
				return err
			}

			flags := msg.Flags
			switch args[1] {
			case "read":
				flags.Seen = true
			case "unread":
				flags.Seen = false
			case "flagged":
				flags.Flagged = true
			case "unflagged":
				flags.Flagged = false
			default:
				return fmt.Errorf("unknown mark %q: want read, unread, flagged or unflagged", args[1])
			}

			if _, err := s.store.UpdateFlags(msg.Folder, msg.ID, flags); err != nil {
				return err
			}
			if rec != nil && rec.IsRead != flags.Seen {
				rec.IsRead = flags.Seen
				if err := s.db.UpsertMessage(ctx, rec); err != nil {
					return err
				}
			}

			fmt.Printf("Marked %s as %s\n", msg.ID, args[1])
			return nil
		})
	},
}

var msgMoveCmd = &cobra.Command{
	Use:   "move <id> <folder>",
	Short: "Move a message to another local folder",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := args[1]
		if err := validation.Folder(dest); err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			msg, rec, err := locateMessage(ctx, s, args[0])
			if err != nil {
				return err
			}

			if _, err := s.store.MoveTo(msg.Folder, msg.ID, dest); err != nil {
				return err
			}
			if rec != nil {
				rec.Folder = dest
				rec.IsDraft = dest == storage.FolderDrafts
				if err := s.db.UpsertMessage(ctx, rec); err != nil {
					return err
				}
			}

			fmt.Printf("Moved %s to %s\n", msg.ID, dest)
			return nil
		})
	},
}

var msgDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a message and release its id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			msg, rec, err := locateMessage(ctx, s, args[0])
			if err != nil {
				return err
			}

			if _, err := s.store.Delete(msg.Folder, msg.ID); err != nil {
				return err
			}
			if rec != nil {
				if _, err := s.db.DeleteMessage(ctx, rec.LocalID); err != nil {
					return err
				}
			}
			if _, err := s.ids.Free(ctx, msg.ID); err != nil {
				return err
			}

			fmt.Printf("Deleted %s\n", msg.ID)
			return nil
		})
	},
}

// locateMessage finds a message by id. The sync record names its folder;
// messages without a record are looked up in --folder. The record is nil
// for messages that were never synced.
func locateMessage(ctx context.Context, s *session, id string) (*storage.Message, *storage.SyncRecord, error) {
	rec, err := s.db.GetMessage(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	folder := msgFolder
	if rec != nil {
		folder = rec.Folder
	}
	if err := validation.Folder(folder); err != nil {
		return nil, nil, err
	}

	msg, err := s.store.Get(folder, id)
	if err != nil {
		return nil, nil, err
	}
	if msg == nil {
		return nil, nil, fmt.Errorf("message not found: %s in %s", id, folder)
	}
	return msg, rec, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	msgCmd.PersistentFlags().StringVarP(&msgFolder, "folder", "f", storage.FolderInbox, "folder to search for messages without a sync record")
	msgListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum messages to show (0 = all)")

	msgCmd.AddCommand(msgFoldersCmd)
	msgCmd.AddCommand(msgListCmd)
	msgCmd.AddCommand(msgReadCmd)
	msgCmd.AddCommand(msgMarkCmd)
	msgCmd.AddCommand(msgMoveCmd)
	msgCmd.AddCommand(msgDeleteCmd)
	rootCmd.AddCommand(msgCmd)
}
