package store

import (
	"os"
	"testing"
	"time"

	"Tether/pkg/bridge"
	"Tether/pkg/types"
)

// setupTestStore creates a temporary Store for testing
func setupTestStore(t *testing.T) (*Store, string, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "tether_store_test_*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	s, err := Open(tmpDir)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to open store: %v", err)
	}

	cleanup := func() {
		s.Close()
		os.RemoveAll(tmpDir)
	}
	return s, tmpDir, cleanup
}

func TestStoreCreation(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := os.Stat(s.Path()); os.IsNotExist(err) {
		t.Fatalf("Database file should exist at %s", s.Path())
	}
}

func TestEndpointEmpty(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	ep, err := s.LoadEndpoint()
	if err != nil {
		t.Fatalf("LoadEndpoint failed: %v", err)
	}
	if ep != nil {
		t.Errorf("Expected nil endpoint, got %+v", ep)
	}
}

func TestEndpointSaveLoadClear(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	saved := time.UnixMilli(1700000000000)
	err := s.SaveEndpoint(bridge.RememberedEndpoint{
		IPAddress: "192.168.1.5", Port: 5555, USBSerial: "ABC123", UserIdentifier: "Pixel", SavedAt: saved,
	})
	if err != nil {
		t.Fatalf("SaveEndpoint failed: %v", err)
	}

	// overwrite keeps a single row
	err = s.SaveEndpoint(bridge.RememberedEndpoint{IPAddress: "192.168.1.6", Port: 5556, USBSerial: "ABC123", SavedAt: saved})
	if err != nil {
		t.Fatalf("SaveEndpoint overwrite failed: %v", err)
	}

	ep, err := s.LoadEndpoint()
	if err != nil || ep == nil {
		t.Fatalf("LoadEndpoint = %+v, %v", ep, err)
	}
	if ep.Address() != "192.168.1.6:5556" {
		t.Errorf("Address = %s", ep.Address())
	}
	if ep.UserIdentifier != "" {
		t.Errorf("UserIdentifier should be overwritten, got %q", ep.UserIdentifier)
	}
	if !ep.SavedAt.Equal(saved) {
		t.Errorf("SavedAt = %v, want %v", ep.SavedAt, saved)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM remembered_endpoint").Scan(&count); err != nil || count != 1 {
		t.Errorf("Expected one row, got %d (%v)", count, err)
	}

	if err := s.ClearEndpoint(); err != nil {
		t.Fatalf("ClearEndpoint failed: %v", err)
	}
	if ep, _ := s.LoadEndpoint(); ep != nil {
		t.Errorf("Endpoint should be cleared, got %+v", ep)
	}
}

func TestEndpointRejectsEmptyAddress(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	if err := s.SaveEndpoint(bridge.RememberedEndpoint{Port: 5555}); err == nil {
		t.Error("Expected error for empty ip address")
	}
}

func TestEndpointSurvivesReopen(t *testing.T) {
	s, dir, cleanup := setupTestStore(t)
	defer cleanup()

	if err := s.SaveEndpoint(bridge.RememberedEndpoint{IPAddress: "10.0.0.5", Port: 5555, USBSerial: "XYZ"}); err != nil {
		t.Fatalf("SaveEndpoint failed: %v", err)
	}
	s.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	ep, err := reopened.LoadEndpoint()
	if err != nil || ep == nil || ep.USBSerial != "XYZ" {
		t.Errorf("LoadEndpoint after reopen = %+v, %v", ep, err)
	}
}

func TestHistoryRecordAndQuery(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	base := time.Now().Add(-time.Minute).UnixMilli()
	for i, kind := range []string{"connected", "connect_failed", "reconnected"} {
		err := s.Record(types.HistoryEntry{
			Timestamp: base + int64(i)*1000,
			Kind:      kind,
			Serial:    "ABC123",
			Address:   "192.168.1.5:5555",
			Message:   kind,
		})
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	entries, err := s.History(2)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != "reconnected" || entries[1].Kind != "connect_failed" {
		t.Errorf("Entries not newest first: %+v", entries)
	}
	if entries[0].ID == "" {
		t.Error("Record should assign an id")
	}
	if entries[0].USBSerial != "" {
		t.Errorf("Missing usb serial should load as empty, got %q", entries[0].USBSerial)
	}
}

func TestHistoryDefaultLimit(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	for i := 0; i < DefaultHistoryLimit+5; i++ {
		if err := s.Record(types.HistoryEntry{Kind: "connected"}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	entries, err := s.History(0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != DefaultHistoryLimit {
		t.Errorf("Expected %d entries, got %d", DefaultHistoryLimit, len(entries))
	}
}

func TestPrune(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	s.Record(types.HistoryEntry{Kind: "connected", Timestamp: old})
	s.Record(types.HistoryEntry{Kind: "reconnected"})

	n, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned entry, got %d", n)
	}
	entries, _ := s.History(10)
	if len(entries) != 1 || entries[0].Kind != "reconnected" {
		t.Errorf("Unexpected remaining history: %+v", entries)
	}
}

func TestStoreServesReconciler(t *testing.T) {
	s, _, cleanup := setupTestStore(t)
	defer cleanup()

	var _ bridge.EndpointStore = s
	var _ bridge.HistoryRecorder = s
}
