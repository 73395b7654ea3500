// Package sync pulls remote folder listings into the local maildir store and
// sync database.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fenilsonani/mailpull/internal/idpool"
	"github.com/fenilsonani/mailpull/internal/logging"
	"github.com/fenilsonani/mailpull/internal/metrics"
	"github.com/fenilsonani/mailpull/internal/remote"
	"github.com/fenilsonani/mailpull/internal/storage"
	"github.com/fenilsonani/mailpull/internal/validation"
)

// DefaultPageSize is the listing size used when Config.PageSize is unset
const DefaultPageSize = 100

// Remote is the part of the remote service client the engine uses
type Remote interface {
	ListMessages(ctx context.Context, account, folder string, limit int, unreadOnly bool) ([]remote.ListEntry, error)
	GetMessage(ctx context.Context, account, folder, id string) (*remote.Message, error)
}

// Config configures an Engine
type Config struct {
	Account  string
	PageSize int
	// MetricsTextfile, when set, receives a metrics snapshot after each run
	MetricsTextfile string
}

// Options tune a single run
type Options struct {
	// LimitDays skips messages received more than this many days ago.
	// Zero disables the cutoff.
	LimitDays int
}

// FolderReport is the outcome of one folder pass
type FolderReport struct {
	Folder   string
	Listed   int
	Known    int // already present as sync records
	TooOld   int // dropped by the recency cutoff
	Synced   int
	Failed   int
	Duration time.Duration
}

// Report is the outcome of a sync run
type Report struct {
	TraceID  string
	Folders  []FolderReport
	Duration time.Duration
}

// Totals sums synced and failed counts across folders
func (r *Report) Totals() (synced, failed int) {
	for _, f := range r.Folders {
		synced += f.Synced
		failed += f.Failed
	}
	return synced, failed
}

// Engine runs sync passes for one account
type Engine struct {
	cfg    Config
	store  storage.MessageStore
	index  storage.SyncIndex
	ids    *idpool.Allocator
	remote Remote
	logger *logging.Logger
	now    func() time.Time
}

// NewEngine creates a sync engine
func NewEngine(cfg Config, store storage.MessageStore, index storage.SyncIndex, ids *idpool.Allocator, client Remote, logger *logging.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		cfg:    cfg,
		store:  store,
		index:  index,
		ids:    ids,
		remote: client,
		logger: logger.Sync(),
		now:    time.Now,
	}
}

// Run syncs each folder in order. A listing failure or a local write failure
// stops the run; the report then covers the folders finished so far.
// Per-message fetch failures are counted and skipped.
func (e *Engine) Run(ctx context.Context, folders []string, opts Options) (*Report, error) {
	start := e.now()
	report := &Report{TraceID: uuid.NewString()}

	ctx = logging.WithTraceID(ctx, report.TraceID)
	ctx = logging.WithAccount(ctx, e.cfg.Account)

	defer func() {
		report.Duration = e.now().Sub(start)
		metrics.SyncDuration.Observe(report.Duration.Seconds())
		e.exportMetrics(ctx)
	}()

	for _, folder := range folders {
		if err := validation.Folder(folder); err != nil {
			return report, fmt.Errorf("folder %q: %w", folder, err)
		}
	}

	seeded, err := e.ids.EnsureSeeded(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to seed id pool: %w", err)
	}
	if seeded {
		e.logger.InfoContext(ctx, "id pool was empty, seeded from embedded word list")
	}

	var cutoff time.Time
	if opts.LimitDays > 0 {
		cutoff = start.AddDate(0, 0, -opts.LimitDays)
	}

	e.logger.InfoContext(ctx, "sync started", "folders", len(folders), "limit_days", opts.LimitDays)

	for _, folder := range folders {
		fr, err := e.syncFolder(logging.WithFolder(ctx, folder), folder, cutoff)
		report.Folders = append(report.Folders, fr)
		if err != nil {
			return report, err
		}
	}

	synced, failed := report.Totals()
	e.logger.InfoContext(ctx, "sync complete", "synced", synced, "failed", failed,
		"duration", e.now().Sub(start).String())
	return report, nil
}

// syncFolder runs one pass over a folder: list, filter, dedupe, then
// materialize each new message.
func (e *Engine) syncFolder(ctx context.Context, folder string, cutoff time.Time) (fr FolderReport, err error) {
	start := e.now()
	fr.Folder = folder
	defer func() { fr.Duration = e.now().Sub(start) }()

	if err := e.store.InitFolder(folder); err != nil {
		return fr, err
	}

	entries, err := e.remote.ListMessages(ctx, e.cfg.Account, folder, e.cfg.PageSize, false)
	if err != nil {
		metrics.RecordSyncFailure(folder, metrics.StageList)
		e.logger.ErrorContext(ctx, "failed to list folder", err)
		return fr, fmt.Errorf("failed to list %s: %w", folder, err)
	}
	fr.Listed = len(entries)

	pending, err := e.filter(ctx, folder, entries, cutoff, &fr)
	if err != nil {
		return fr, err
	}

	e.logger.DebugContext(ctx, "folder listed", "listed", fr.Listed, "known", fr.Known,
		"too_old", fr.TooOld, "pending", len(pending))

	for _, entry := range pending {
		ok, err := e.syncMessage(logging.WithRemoteID(ctx, entry.ID), folder, entry)
		if err != nil {
			return fr, err
		}
		if ok {
			fr.Synced++
		} else {
			fr.Failed++
		}
	}

	if err := e.recordFolderState(ctx, folder); err != nil {
		return fr, err
	}

	e.logger.InfoContext(ctx, "folder synced", "synced", fr.Synced, "failed", fr.Failed)
	return fr, nil
}

// filter drops entries without an id, entries older than cutoff and
// entries already present as sync records, in listing order. A remote id
// listed twice is kept once and the repeat counts as known.
func (e *Engine) filter(ctx context.Context, folder string, entries []remote.ListEntry, cutoff time.Time, fr *FolderReport) ([]remote.ListEntry, error) {
	pending := make([]remote.ListEntry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			fr.Failed++
			metrics.RecordSyncFailure(folder, metrics.StageNoID)
			e.logger.WarnContext(ctx, "listing entry has no id", "subject", entry.Subject)
			continue
		}

		// Entries without a parseable timestamp are kept
		if !cutoff.IsZero() {
			if received, ok := parseReceived(entry.DatetimeReceived); ok && received.Before(cutoff) {
				fr.TooOld++
				continue
			}
		}

		if seen[entry.ID] {
			fr.Known++
			continue
		}
		seen[entry.ID] = true

		existing, err := e.index.GetMessageByRemoteID(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			fr.Known++
			continue
		}

		pending = append(pending, entry)
	}
	return pending, nil
}

// syncMessage materializes one remote message. It returns false when the
// message was skipped after a recoverable failure and an error when the
// run must stop.
func (e *Engine) syncMessage(ctx context.Context, folder string, entry remote.ListEntry) (bool, error) {
	localID, err := e.reserveID(ctx, entry.ID)
	if err != nil {
		metrics.RecordSyncFailure(folder, metrics.StageAllocate)
		if errors.Is(err, idpool.ErrPoolExhausted) {
			return false, fmt.Errorf("cannot sync %s: %w (add words with id_pool.word_list and run id init)", entry.ID, err)
		}
		return false, err
	}
	ctx = logging.WithLocalID(ctx, localID)

	full, err := e.remote.GetMessage(ctx, e.cfg.Account, folder, entry.ID)
	if err != nil {
		metrics.RecordSyncFailure(folder, metrics.StageFetch)
		e.logger.WarnContext(ctx, "failed to fetch message", "error", err.Error())
		return false, nil
	}

	content, err := buildMessage(entry, full)
	if err != nil {
		metrics.RecordSyncFailure(folder, metrics.StageStore)
		return false, fmt.Errorf("failed to build message %s: %w", localID, err)
	}

	flags := storage.Flags{Seen: entry.IsRead}
	if _, err := e.store.StoreWithID(folder, content, flags, localID); err != nil {
		metrics.RecordSyncFailure(folder, metrics.StageStore)
		return false, err
	}

	rec := &storage.SyncRecord{
		LocalID:        localID,
		RemoteID:       entry.ID,
		ChangeKey:      entry.ChangeKey,
		Folder:         folder,
		Subject:        valueOr(entry.Subject, defaultSubject),
		FromAddr:       valueOr(entry.From, defaultFrom),
		ReceivedAt:     entry.DatetimeReceived,
		IsRead:         entry.IsRead,
		IsDraft:        folder == storage.FolderDrafts,
		HasAttachments: entry.HasAttachments,
		SyncedAt:       storage.Timestamp(e.now()),
	}
	if err := e.index.UpsertMessage(ctx, rec); err != nil {
		metrics.RecordSyncFailure(folder, metrics.StageRecord)
		return false, err
	}

	metrics.RecordSynced(folder)
	e.logger.DebugContext(ctx, "message synced")
	return true, nil
}

// reserveID returns the id already bound to remoteID by an earlier failed
// pass, or allocates a new one.
func (e *Engine) reserveID(ctx context.Context, remoteID string) (string, error) {
	if id, ok, err := e.ids.Lookup(ctx, remoteID); err != nil {
		return "", err
	} else if ok {
		e.logger.DebugContext(ctx, "reusing bound id", "local_id", id)
		return id, nil
	}
	return e.ids.Allocate(ctx, remoteID)
}

func (e *Engine) recordFolderState(ctx context.Context, folder string) error {
	state, err := e.index.GetFolderState(ctx, folder)
	if err != nil {
		return err
	}
	if state == nil {
		state = &storage.FolderState{Folder: folder}
	}
	now := e.now()
	state.LastSync = storage.Timestamp(now)
	if err := e.index.UpsertFolderState(ctx, state); err != nil {
		return err
	}
	metrics.LastSync.WithLabelValues(folder).Set(float64(now.Unix()))
	return nil
}

func (e *Engine) exportMetrics(ctx context.Context) {
	if e.cfg.MetricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(e.cfg.MetricsTextfile); err != nil {
		e.logger.WarnContext(ctx, "failed to write metrics textfile", "path", e.cfg.MetricsTextfile, "error", err.Error())
	}
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
