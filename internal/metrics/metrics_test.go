package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSynced(t *testing.T) {
	initial := testutil.ToFloat64(MessagesSynced.WithLabelValues("inbox"))

	RecordSynced("inbox")

	if got := testutil.ToFloat64(MessagesSynced.WithLabelValues("inbox")); got != initial+1 {
		t.Errorf("MessagesSynced[inbox] = %v, want %v", got, initial+1)
	}
}

func TestRecordSyncFailure(t *testing.T) {
	stages := []string{StageList, StageAllocate, StageFetch, StageStore, StageRecord, StageNoID}

	for _, stage := range stages {
		initial := testutil.ToFloat64(SyncFailures.WithLabelValues("sent", stage))

		RecordSyncFailure("sent", stage)

		if got := testutil.ToFloat64(SyncFailures.WithLabelValues("sent", stage)); got != initial+1 {
			t.Errorf("SyncFailures[%s] = %v, want %v", stage, got, initial+1)
		}
	}
}

func TestRecordRemoteRequest(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, "success"},
		{"failure", errors.New("boom"), "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := testutil.ToFloat64(RemoteRequests.WithLabelValues("get", tt.want))

			RecordRemoteRequest("get", tt.err)

			if got := testutil.ToFloat64(RemoteRequests.WithLabelValues("get", tt.want)); got != initial+1 {
				t.Errorf("RemoteRequests[get,%s] = %v, want %v", tt.want, got, initial+1)
			}
		})
	}
}

func TestIDPoolGauges(t *testing.T) {
	IDPoolFree.Set(42)
	if got := testutil.ToFloat64(IDPoolFree); got != 42 {
		t.Errorf("IDPoolFree = %v, want 42", got)
	}

	initial := testutil.ToFloat64(IDPoolExhausted)
	IDPoolExhausted.Inc()
	if got := testutil.ToFloat64(IDPoolExhausted); got != initial+1 {
		t.Errorf("IDPoolExhausted = %v, want %v", got, initial+1)
	}
}

func TestWriteTextfile(t *testing.T) {
	RecordSynced("drafts")

	path := filepath.Join(t.TempDir(), "mailpull.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `mailpull_messages_synced_total{folder="drafts"}`) {
		t.Errorf("textfile missing synced counter:\n%s", data)
	}
}
