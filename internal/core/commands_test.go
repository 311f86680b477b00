package core

import (
	"context"
	"path/filepath"
	"testing"

	"trackerbot/internal/storage"
	logx "trackerbot/pkg/logx"
)

func TestCreateOrFindSourceAfterConflict(t *testing.T) {
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "tracker.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	existing, err := st.CreateSource(ctx, "streams", "12345", "somecaster")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Losing the create race must still yield the real row, never a
	// zero-valued source.
	src, err := createOrFindSource(ctx, st, "streams", "12345", "somecaster")
	if err != nil {
		t.Fatalf("createOrFindSource: %v", err)
	}
	if src.ID != existing.ID {
		t.Fatalf("source id = %d, want %d", src.ID, existing.ID)
	}

	if _, err := st.AddDestination(ctx, storage.Destination{
		SourceID: src.ID,
		ChatID:   -1,
		AddedBy:  7,
	}); err != nil {
		t.Fatalf("add destination: %v", err)
	}
}
