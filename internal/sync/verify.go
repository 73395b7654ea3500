package sync

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/fenilsonani/mailpull/internal/idpool"
	"github.com/fenilsonani/mailpull/internal/storage"
)

// MessageRef names a stored message
type MessageRef struct {
	Folder  string
	LocalID string
}

// VerifyReport lists disagreements between the maildir store, the sync
// records and the id pool. Nothing is repaired.
type VerifyReport struct {
	// Files with no sync record in the same folder
	OrphanFiles []MessageRef
	// Sync records with no file in their folder
	OrphanRecords []*storage.SyncRecord
	// Used ids no sync record refers to
	StuckIDs []storage.PoolEntry
	Files    int
	Records  int
}

// Clean reports whether no inconsistency was found
func (r *VerifyReport) Clean() bool {
	return len(r.OrphanFiles) == 0 && len(r.OrphanRecords) == 0 && len(r.StuckIDs) == 0
}

// Verify compares the store, the sync index and the id pool. The filesystem
// scan and the database reads run concurrently.
func Verify(ctx context.Context, store storage.MessageStore, index storage.SyncIndex, ids *idpool.Allocator) (*VerifyReport, error) {
	var (
		files   = make(map[MessageRef]bool)
		records []*storage.SyncRecord
		used    []storage.PoolEntry
	)

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		folders, err := store.ListFolders()
		if err != nil {
			return err
		}
		for _, folder := range folders {
			if err := ctx.Err(); err != nil {
				return err
			}
			msgs, err := store.List(folder)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				files[MessageRef{Folder: folder, LocalID: m.ID}] = true
			}
		}
		return nil
	})
	grp.Go(func() error {
		var err error
		if records, err = index.ListAllMessages(ctx); err != nil {
			return err
		}
		used, err = ids.Used(ctx)
		return err
	})
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	report := &VerifyReport{Files: len(files), Records: len(records)}

	recorded := make(map[MessageRef]bool, len(records))
	localIDs := make(map[string]bool, len(records))
	for _, rec := range records {
		ref := MessageRef{Folder: rec.Folder, LocalID: rec.LocalID}
		recorded[ref] = true
		localIDs[rec.LocalID] = true
		if !files[ref] {
			report.OrphanRecords = append(report.OrphanRecords, rec)
		}
	}

	for ref := range files {
		if !recorded[ref] {
			report.OrphanFiles = append(report.OrphanFiles, ref)
		}
	}
	sort.Slice(report.OrphanFiles, func(i, j int) bool {
		a, b := report.OrphanFiles[i], report.OrphanFiles[j]
		if a.Folder != b.Folder {
			return a.Folder < b.Folder
		}
		return a.LocalID < b.LocalID
	})

	for _, entry := range used {
		if !localIDs[entry.ShortID] {
			report.StuckIDs = append(report.StuckIDs, entry)
		}
	}

	return report, nil
}
