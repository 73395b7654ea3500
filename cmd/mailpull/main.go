package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fenilsonani/mailpull/internal/config"
	"github.com/fenilsonani/mailpull/internal/idpool"
	"github.com/fenilsonani/mailpull/internal/logging"
	"github.com/fenilsonani/mailpull/internal/remote"
	"github.com/fenilsonani/mailpull/internal/storage/maildir"
	"github.com/fenilsonani/mailpull/internal/storage/metadata"
	"github.com/fenilsonani/mailpull/internal/validation"
)

var (
	cfgFile string
	account string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mailpull",
	Short: "Pull a remote mailbox into a local maildir",
	Long: `mailpull mirrors folders of a remote mailbox service into a local
maildir tree and gives every synced message a short adjective-noun id.

Messages are listed and fetched over HTTP, stored as maildir files and
indexed in a SQLite database next to the mail.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if account != "" {
			if err := validation.Account(account); err != nil {
				return err
			}
			cfg.Account = account
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		return nil
	},
}

// session owns the per-account handles a command works with. It is opened
// by each command and closed on every exit path.
type session struct {
	account string
	logger  *logging.Logger
	store   *maildir.Store
	db      *metadata.DB
	ids     *idpool.Allocator
}

func openSession(ctx context.Context) (*session, error) {
	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	if err := cfg.EnsureDirectories(cfg.Account); err != nil {
		return nil, err
	}

	store, err := maildir.NewStore(cfg.MailDir(cfg.Account))
	if err != nil {
		return nil, err
	}
	if err := store.Init(); err != nil {
		return nil, err
	}

	db, err := metadata.OpenAndMigrate(ctx, cfg.DatabasePath(cfg.Account))
	if err != nil {
		return nil, err
	}

	return &session{
		account: cfg.Account,
		logger:  logger,
		store:   store,
		db:      db,
		ids:     idpool.New(db, logger),
	}, nil
}

func (s *session) Close() error {
	return s.db.Close()
}

func (s *session) remoteClient() *remote.Client {
	return remote.NewClient(cfg.ServiceURL, remote.Options{
		Timeout:           cfg.RemoteTimeout(),
		RequestsPerSecond: cfg.Sync.RequestsPerSecond,
		FailureThreshold:  cfg.Remote.FailureThreshold,
		OpenTimeout:       cfg.CircuitOpenTimeout(),
		Trace:             cfg.Logging.Level == "debug",
	}, s.logger)
}

// withSession runs fn against a freshly opened session
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close database: %w", closeErr))
		}
	}()

	return fn(ctx, s)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("mailpull v0.1.0")
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().StringVarP(&account, "account", "a", "", "account to operate on (overrides config)")

	rootCmd.AddCommand(versionCmd)
}
