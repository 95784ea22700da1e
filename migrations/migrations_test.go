package migrations

import (
	"strings"
	"testing"

	"github.com/ehr/visitflow/internal/platform/db"
)

func TestEmbeddedMigrations(t *testing.T) {
	migs, err := db.NewMigrator(nil, FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migs) == 0 || migs[0].Version != 1 {
		t.Fatalf("expected migration 1 first, got %+v", migs)
	}
	for _, m := range migs {
		if m.DownSQL == "" {
			t.Errorf("migration %s has no down section", m.Name)
		}
	}
	for _, table := range []string{"visit", "consultation", "lab_order", "drug", "stock_movement", "bill", "charge"} {
		if !strings.Contains(migs[0].SQL, "CREATE TABLE "+table+" (") {
			t.Errorf("table %s is not created", table)
		}
	}
	if !strings.Contains(migs[0].SQL, "CHECK (stock_quantity >= 0)") {
		t.Error("drug stock must be guarded against going negative")
	}
}
