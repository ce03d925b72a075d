package postgres

import (
	"context"
	"os"
	"testing"

	"kasirinaja/kiosk/internal/store"
	"kasirinaja/kiosk/internal/store/storetest"
)

func TestPostgresStoreContract(t *testing.T) {
	databaseURL := os.Getenv("KIOSK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set KIOSK_TEST_DATABASE_URL to run postgres integration test")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := New(ctx, databaseURL, storetest.Schema())
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		t.Cleanup(func() {
			_, _ = s.DB().ExecContext(ctx, `DELETE FROM local_record_indexes WHERE collection IN ('items', 'pairs')`)
			_, _ = s.DB().ExecContext(ctx, `DELETE FROM local_records WHERE collection IN ('items', 'pairs')`)
			_ = s.Close()
		})
		for _, name := range []string{"items", "pairs"} {
			if err := s.Clear(ctx, name); err != nil {
				t.Fatalf("clear %s: %v", name, err)
			}
		}
		return s
	})
}
