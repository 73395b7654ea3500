package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fenilsonani/mailpull/internal/idpool"
	"github.com/fenilsonani/mailpull/internal/logging"
	"github.com/fenilsonani/mailpull/internal/remote"
	"github.com/fenilsonani/mailpull/internal/storage"
	"github.com/fenilsonani/mailpull/internal/storage/maildir"
	"github.com/fenilsonani/mailpull/internal/storage/metadata"
)

const testAccount = "me@example.com"

// fakeRemote serves canned listings and bodies per folder
type fakeRemote struct {
	listings map[string][]remote.ListEntry
	bodies   map[string]string
	listErr  error
	failGet  map[string]bool
	gets     []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		listings: make(map[string][]remote.ListEntry),
		bodies:   make(map[string]string),
		failGet:  make(map[string]bool),
	}
}

func (f *fakeRemote) ListMessages(ctx context.Context, account, folder string, limit int, unreadOnly bool) ([]remote.ListEntry, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	entries := f.listings[folder]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeRemote) GetMessage(ctx context.Context, account, folder, id string) (*remote.Message, error) {
	f.gets = append(f.gets, id)
	if f.failGet[id] {
		return nil, &remote.ServiceError{StatusCode: 500, Detail: "boom"}
	}
	for _, e := range f.listings[folder] {
		if e.ID == id {
			return &remote.Message{ListEntry: e, Body: f.bodies[id], BodyType: "text"}, nil
		}
	}
	return nil, &remote.ServiceError{StatusCode: 404, Detail: "Message not found"}
}

type testEnv struct {
	store  *maildir.Store
	db     *metadata.DB
	ids    *idpool.Allocator
	remote *fakeRemote
	engine *Engine
}

func setupEngine(t *testing.T, seed bool) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := maildir.NewStore(filepath.Join(t.TempDir(), "mail"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	db, err := metadata.OpenAndMigrate(ctx, filepath.Join(t.TempDir(), ".sync.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logging.Discard()
	ids := idpool.New(db, logger)
	if seed {
		words := &idpool.WordLists{
			Adjectives: []string{"cold", "blue", "swift", "calm"},
			Nouns:      []string{"lamp", "frog", "otter", "sock"},
		}
		if _, err := ids.Init(ctx, words); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
	}

	fr := newFakeRemote()
	engine := NewEngine(Config{Account: testAccount, PageSize: 50}, store, db, ids, fr, logger)

	return &testEnv{store: store, db: db, ids: ids, remote: fr, engine: engine}
}

func TestRun_SingleUnreadMessage(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, false)
	env.remote.listings["inbox"] = []remote.ListEntry{
		{ID: "R1", Subject: "Hello", From: "alice@example.com", DatetimeReceived: "2026-03-01T10:00:00+00:00"},
	}
	env.remote.bodies["R1"] = "Hi there"

	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.TraceID == "" {
		t.Error("Report should carry a trace id")
	}
	synced, failed := report.Totals()
	if synced != 1 || failed != 0 {
		t.Fatalf("Totals = %d synced, %d failed; want 1, 0", synced, failed)
	}

	msgs, err := env.store.List("inbox")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 stored message, got %d", len(msgs))
	}
	if !msgs[0].IsNew || msgs[0].Flags.Seen {
		t.Errorf("Unread message should live in new/ without S: %+v", msgs[0])
	}

	rec, err := env.db.GetMessageByRemoteID(ctx, "R1")
	if err != nil || rec == nil {
		t.Fatalf("GetMessageByRemoteID = %v, %v", rec, err)
	}
	if rec.IsRead || rec.LocalID != msgs[0].ID || rec.Subject != "Hello" || rec.IsDraft {
		t.Errorf("SyncRecord = %+v", rec)
	}

	stats, err := env.ids.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Used != 1 {
		t.Errorf("Used ids = %d, want 1", stats.Used)
	}

	remoteID, ok, _ := env.ids.Resolve(ctx, rec.LocalID)
	if !ok || remoteID != "R1" {
		t.Errorf("Resolve(%s) = %q, %v", rec.LocalID, remoteID, ok)
	}

	f, err := msgs[0].Open()
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()
	parsed, err := maildir.ParseMessage(f)
	if err != nil {
		t.Fatalf("ParseMessage failed: %v", err)
	}
	if parsed.Subject != "Hello" || parsed.From != "alice@example.com" || parsed.Body != "Hi there" {
		t.Errorf("parsed = %+v", parsed)
	}

	state, err := env.db.GetFolderState(ctx, "inbox")
	if err != nil || state == nil || state.LastSync == "" {
		t.Errorf("FolderState = %+v, %v", state, err)
	}
}

func TestRun_FetchFailureContinues(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	env.remote.listings["inbox"] = []remote.ListEntry{
		{ID: "R1", Subject: "broken"},
		{ID: "R2", Subject: "fine", IsRead: true},
	}
	env.remote.failGet["R1"] = true

	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Folders[0].Synced != 1 || report.Folders[0].Failed != 1 {
		t.Errorf("FolderReport = %+v", report.Folders[0])
	}

	if rec, _ := env.db.GetMessageByRemoteID(ctx, "R1"); rec != nil {
		t.Errorf("Failed message should have no record: %+v", rec)
	}
	rec, _ := env.db.GetMessageByRemoteID(ctx, "R2")
	if rec == nil {
		t.Fatal("R2 should have a record")
	}
	msg, err := env.store.Get("inbox", rec.LocalID)
	if err != nil || msg == nil {
		t.Fatalf("Get(%s) = %v, %v", rec.LocalID, msg, err)
	}
	if msg.IsNew || !msg.Flags.Seen {
		t.Errorf("Read message should live in cur/ with S: %+v", msg)
	}

	count, _ := env.db.CountMessages(ctx, "inbox")
	if count != 1 {
		t.Errorf("CountMessages = %d, want 1", count)
	}
}

func TestRun_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	env.remote.listings["inbox"] = []remote.ListEntry{{ID: "R1"}, {ID: "R2"}}

	if _, err := env.engine.Run(ctx, []string{"inbox"}, Options{}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	env.remote.gets = nil

	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{})
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	fr := report.Folders[0]
	if fr.Synced != 0 || fr.Known != 2 {
		t.Errorf("second pass = %+v, want 0 synced and 2 known", fr)
	}
	if len(env.remote.gets) != 0 {
		t.Errorf("second pass fetched %v", env.remote.gets)
	}

	msgs, _ := env.store.List("inbox")
	if len(msgs) != 2 {
		t.Errorf("Expected 2 stored messages, got %d", len(msgs))
	}
}

func TestRun_RetryReusesBoundID(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	env.remote.listings["inbox"] = []remote.ListEntry{{ID: "R1"}}
	env.remote.failGet["R1"] = true

	if _, err := env.engine.Run(ctx, []string{"inbox"}, Options{}); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	reserved, ok, _ := env.ids.Lookup(ctx, "R1")
	if !ok {
		t.Fatal("Failed fetch should leave its id reserved")
	}

	env.remote.failGet["R1"] = false
	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{})
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if report.Folders[0].Synced != 1 {
		t.Fatalf("second pass = %+v", report.Folders[0])
	}

	rec, _ := env.db.GetMessageByRemoteID(ctx, "R1")
	if rec == nil || rec.LocalID != reserved {
		t.Errorf("record = %+v, want local id %s", rec, reserved)
	}
	stats, _ := env.ids.Stats(ctx)
	if stats.Used != 1 {
		t.Errorf("Used ids = %d, want 1", stats.Used)
	}
}

func TestRun_LimitDays(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	now := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	env.engine.now = func() time.Time { return now }

	env.remote.listings["inbox"] = []remote.ListEntry{
		{ID: "recent", DatetimeReceived: now.Add(-24 * time.Hour).Format(time.RFC3339)},
		{ID: "old", DatetimeReceived: now.AddDate(0, 0, -30).Format(time.RFC3339)},
		{ID: "undated", DatetimeReceived: "yesterday-ish"},
	}

	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{LimitDays: 7})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	fr := report.Folders[0]
	if fr.Synced != 2 || fr.TooOld != 1 {
		t.Errorf("FolderReport = %+v, want 2 synced and 1 too old", fr)
	}
	if rec, _ := env.db.GetMessageByRemoteID(ctx, "old"); rec != nil {
		t.Error("Old message should be skipped")
	}
	if rec, _ := env.db.GetMessageByRemoteID(ctx, "undated"); rec == nil {
		t.Error("Message without a parseable date should be kept")
	}
}

func TestRun_DraftsFolder(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	env.remote.listings["drafts"] = []remote.ListEntry{{ID: "D1", Subject: "wip"}}
	env.remote.listings["inbox"] = []remote.ListEntry{{ID: "I1"}}

	if _, err := env.engine.Run(ctx, []string{"inbox", "drafts"}, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	draft, _ := env.db.GetMessageByRemoteID(ctx, "D1")
	if draft == nil || !draft.IsDraft || draft.Folder != "drafts" {
		t.Errorf("draft record = %+v", draft)
	}
	inbox, _ := env.db.GetMessageByRemoteID(ctx, "I1")
	if inbox == nil || inbox.IsDraft {
		t.Errorf("inbox record = %+v", inbox)
	}
}

func TestRun_AutoSeedsEmptyPool(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, false)

	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.Folders[0].Listed != 0 {
		t.Errorf("FolderReport = %+v", report.Folders[0])
	}

	words, _ := idpool.Embedded()
	stats, _ := env.ids.Stats(ctx)
	if stats.Total != words.Size() || stats.Used != 0 {
		t.Errorf("Stats = %+v, want %d free ids", stats, words.Size())
	}
}

func TestRun_EntryWithoutID(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	env.remote.listings["inbox"] = []remote.ListEntry{{Subject: "no id"}, {ID: "R1"}}

	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fr := report.Folders[0]; fr.Synced != 1 || fr.Failed != 1 {
		t.Errorf("FolderReport = %+v", fr)
	}
}

func TestRun_ListFailureStops(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	env.remote.listErr = &remote.ServiceError{StatusCode: 502, Detail: "bad gateway"}

	report, err := env.engine.Run(ctx, []string{"inbox", "sent"}, Options{})
	var svcErr *remote.ServiceError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Run error = %v, want *remote.ServiceError", err)
	}
	if len(report.Folders) != 1 || report.Folders[0].Folder != "inbox" {
		t.Errorf("report = %+v", report.Folders)
	}
}

func TestRun_PoolExhausted(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, false)
	env.ids.Init(ctx, &idpool.WordLists{Adjectives: []string{"cold"}, Nouns: []string{"lamp"}})
	env.remote.listings["inbox"] = []remote.ListEntry{{ID: "R1"}, {ID: "R2"}}

	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{})
	if !errors.Is(err, idpool.ErrPoolExhausted) {
		t.Fatalf("Run error = %v, want ErrPoolExhausted", err)
	}
	if report.Folders[0].Synced != 1 {
		t.Errorf("FolderReport = %+v", report.Folders[0])
	}
}

func TestRun_RejectsBadFolder(t *testing.T) {
	env := setupEngine(t, true)

	if _, err := env.engine.Run(context.Background(), []string{"../etc"}, Options{}); err == nil {
		t.Error("Expected error for invalid folder name")
	}
}

func TestRun_WritesMetricsTextfile(t *testing.T) {
	env := setupEngine(t, true)
	path := filepath.Join(t.TempDir(), "mailpull.prom")
	env.engine.cfg.MetricsTextfile = path
	env.remote.listings["sent"] = []remote.ListEntry{{ID: "S1"}}

	if _, err := env.engine.Run(context.Background(), []string{"sent"}, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `mailpull_messages_synced_total{folder="sent"}`) {
		t.Error("textfile should contain the synced counter for sent")
	}
}

func TestBuildMessage(t *testing.T) {
	tests := []struct {
		name        string
		entry       remote.ListEntry
		full        *remote.Message
		wantFrom    string
		wantSubject string
		wantBody    string
		wantDate    bool
	}{
		{
			name:        "all fields",
			entry:       remote.ListEntry{From: "Bob <bob@example.com>", Subject: "Lunch", DatetimeReceived: "2026-02-03T04:05:06Z"},
			full:        &remote.Message{Body: "at noon"},
			wantFrom:    "Bob <bob@example.com>",
			wantSubject: "Lunch",
			wantBody:    "at noon",
			wantDate:    true,
		},
		{
			name:        "defaults",
			entry:       remote.ListEntry{},
			full:        &remote.Message{},
			wantFrom:    "unknown",
			wantSubject: "(no subject)",
		},
		{
			name:        "non-ascii subject",
			entry:       remote.ListEntry{From: "a@example.com", Subject: "Grüße"},
			full:        &remote.Message{Body: "hallo"},
			wantFrom:    "a@example.com",
			wantSubject: "Grüße",
			wantBody:    "hallo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, err := buildMessage(tt.entry, tt.full)
			if err != nil {
				t.Fatalf("buildMessage failed: %v", err)
			}
			parsed, err := maildir.ParseMessage(strings.NewReader(string(content)))
			if err != nil {
				t.Fatalf("ParseMessage failed: %v", err)
			}
			if parsed.From != tt.wantFrom {
				t.Errorf("From = %q, want %q", parsed.From, tt.wantFrom)
			}
			if parsed.Subject != tt.wantSubject {
				t.Errorf("Subject = %q, want %q", parsed.Subject, tt.wantSubject)
			}
			if parsed.Body != tt.wantBody {
				t.Errorf("Body = %q, want %q", parsed.Body, tt.wantBody)
			}
			if (parsed.Date != "") != tt.wantDate {
				t.Errorf("Date = %q, wantDate %v", parsed.Date, tt.wantDate)
			}
		})
	}
}

func TestBuildMessage_HTML(t *testing.T) {
	content, err := buildMessage(remote.ListEntry{}, &remote.Message{Body: "<p>hi</p>", BodyType: "HTML"})
	if err != nil {
		t.Fatalf("buildMessage failed: %v", err)
	}
	if !strings.Contains(string(content), "text/html") {
		t.Errorf("HTML body should be labelled text/html:\n%s", content)
	}
}

func TestParseReceived(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"2026-01-02T03:04:05Z", true},
		{"2026-01-02T03:04:05+02:00", true},
		{"2026-01-02T03:04:05.123456+00:00", true},
		{"2026-01-02T03:04:05", true},
		{"2026-01-02 03:04:05", true},
		{"", false},
		{"last tuesday", false},
	}

	for _, tt := range tests {
		if _, ok := parseReceived(tt.input); ok != tt.ok {
			t.Errorf("parseReceived(%q) ok = %v, want %v", tt.input, ok, tt.ok)
		}
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	env.remote.listings["inbox"] = []remote.ListEntry{{ID: "R1"}, {ID: "R2"}, {ID: "R3"}}
	env.remote.failGet["R3"] = true

	if _, err := env.engine.Run(ctx, []string{"inbox"}, Options{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	report, err := Verify(ctx, env.store, env.db, env.ids)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Files != 2 || report.Records != 2 {
		t.Errorf("Files = %d, Records = %d; want 2, 2", report.Files, report.Records)
	}
	if len(report.OrphanFiles) != 0 || len(report.OrphanRecords) != 0 {
		t.Errorf("unexpected orphans: %+v", report)
	}
	if len(report.StuckIDs) != 1 || report.StuckIDs[0].MessageRemoteID != "R3" {
		t.Errorf("StuckIDs = %+v", report.StuckIDs)
	}

	// Drop a file and add a stray one
	r1, _ := env.db.GetMessageByRemoteID(ctx, "R1")
	if _, err := env.store.Delete("inbox", r1.LocalID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	stray, err := env.store.StoreWithID("sent", []byte("Subject: stray\r\n\r\nx"), storage.Flags{}, "stray-file")
	if err != nil {
		t.Fatalf("StoreWithID failed: %v", err)
	}

	report, err = Verify(ctx, env.store, env.db, env.ids)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if report.Clean() {
		t.Fatal("Verify should report inconsistencies")
	}
	if len(report.OrphanRecords) != 1 || report.OrphanRecords[0].RemoteID != "R1" {
		t.Errorf("OrphanRecords = %+v", report.OrphanRecords)
	}
	if len(report.OrphanFiles) != 1 || report.OrphanFiles[0] != (MessageRef{Folder: "sent", LocalID: stray.ID}) {
		t.Errorf("OrphanFiles = %+v", report.OrphanFiles)
	}
}

func TestRun_DuplicateListingEntry(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t, true)
	env.remote.listings["inbox"] = []remote.ListEntry{
		{ID: "R1", Subject: "Hello"},
		{ID: "R1", Subject: "Hello"},
	}

	report, err := env.engine.Run(ctx, []string{"inbox"}, Options{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	fr := report.Folders[0]
	if fr.Synced != 1 || fr.Known != 1 {
		t.Errorf("FolderReport = %+v, want 1 synced and 1 known", fr)
	}
	if len(env.remote.gets) != 1 {
		t.Errorf("gets = %v, want one fetch", env.remote.gets)
	}

	msgs, err := env.store.List("inbox")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("Expected 1 stored message, got %d", len(msgs))
	}
}
