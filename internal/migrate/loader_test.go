package migrate_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/ramigrate/internal/migrate"
	"github.com/bobuhiro11/ramigrate/internal/ram"
	"github.com/bobuhiro11/ramigrate/internal/stream"
)

func TestLoadRejectsWrongVersion(t *testing.T) {
	t.Parallel()

	loader := migrate.NewLoader(ram.NewRegistry())
	s := stream.New(&pipe{}, 0)

	err := loader.Load(s, migrate.WireVersion+1, 1)
	if !errors.Is(err, migrate.ErrVersionMismatch) {
		t.Fatalf("Load with wrong version = %v, want ErrVersionMismatch", err)
	}
}
