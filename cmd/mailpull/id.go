package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailpull/internal/idpool"
	"github.com/fenilsonani/mailpull/internal/validation"
)

var (
	wordListFile string
	reapAge      time.Duration
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Manage the short id pool",
}

var idInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Seed the id pool from a word list",
	Long: `Adds every adjective-noun pair from the word list to the pool. Ids that
already exist keep their bindings, so running init again is safe.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := wordListFile
		if path == "" {
			path = cfg.IDPool.WordList
		}

		words, err := loadWords(path)
		if err != nil {
			return err
		}

		return withSession(cmd, func(ctx context.Context, s *session) error {
			n, err := s.ids.Init(ctx, words)
			if err != nil {
				return err
			}
			stats, err := s.ids.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Seeded %d of %d ids from the word list (%d free, %d used, %d total)\n",
				n, words.Size(), stats.Free, stats.Used, stats.Total)
			return nil
		})
	},
}

func loadWords(path string) (*idpool.WordLists, error) {
	if path == "" {
		return idpool.Embedded()
	}
	return idpool.LoadWordLists(path)
}

var idAllocCmd = &cobra.Command{
	Use:   "alloc <remote-id>",
	Short: "Bind a free id to a remote message id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			id, err := s.ids.Allocate(ctx, args[0])
			if errors.Is(err, idpool.ErrPoolExhausted) {
				return fmt.Errorf("%w; add words with id_pool.word_list and run: mailpull id init", err)
			}
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		})
	},
}

var idFreeCmd = &cobra.Command{
	Use:   "free <id>",
	Short: "Return an id to the pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.ShortID(args[0]); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			ok, err := s.ids.Free(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("id not found: %s", args[0])
			}
			fmt.Printf("Freed %s\n", args[0])
			return nil
		})
	},
}

var idResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Print the remote id bound to a short id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validation.ShortID(args[0]); err != nil {
			return err
		}
		return withSession(cmd, func(ctx context.Context, s *session) error {
			remoteID, ok, err := s.ids.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("id not in use: %s", args[0])
			}
			fmt.Println(remoteID)
			return nil
		})
	},
}

var idLookupCmd = &cobra.Command{
	Use:   "lookup <remote-id>",
	Short: "Print the short id bound to a remote id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			id, ok, err := s.ids.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no id bound to remote id %s", args[0])
			}
			fmt.Println(id)
			return nil
		})
	},
}

var idStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show id pool usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			stats, err := s.ids.Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Free:  %d\nUsed:  %d\nTotal: %d\n", stats.Free, stats.Used, stats.Total)
			return nil
		})
	},
}

var idReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Free ids left behind by failed fetches",
	Long: `Frees ids that were allocated before --older-than ago but never got a
sync record. These are left when a message fetch fails and the remote
message does not show up again.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, s *session) error {
			freed, err := s.ids.Reap(ctx, reapAge)
			if err != nil {
				return err
			}
			for _, id := range freed {
				fmt.Println(id)
			}
			fmt.Printf("Freed %d stuck ids\n", len(freed))
			return nil
		})
	},
}

func init() {
	idInitCmd.Flags().StringVarP(&wordListFile, "words", "w", "", "YAML word list (default: id_pool.word_list or the built-in list)")
	idReapCmd.Flags().DurationVar(&reapAge, "older-than", 24*time.Hour, "only free ids allocated at least this long ago")

	idCmd.AddCommand(idInitCmd)
	idCmd.AddCommand(idAllocCmd)
	idCmd.AddCommand(idFreeCmd)
	idCmd.AddCommand(idResolveCmd)
	idCmd.AddCommand(idLookupCmd)
	idCmd.AddCommand(idStatsCmd)
	idCmd.AddCommand(idReapCmd)
	rootCmd.AddCommand(idCmd)
}
