package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
)

// FileArchiver writes aged-out records as JSON lines, one file per
// entity type per day. It satisfies the cold-store contract for
// single-node deployments; larger installs point an object-store
// implementation at the same interface.
type FileArchiver struct {
	Dir   string
	Clock clockwork.Clock

	mu sync.Mutex
}

func (a *FileArchiver) Archive(ctx context.Context, entityType string, records []any) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.Dir, 0o750); err != nil {
		return err
	}
	name := fmt.Sprintf("%s-%s.jsonl", entityType, a.Clock.Now().UTC().Format("20060102"))
	f, err := os.OpenFile(filepath.Join(a.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return f.Sync()
}

var _ Archiver = (*FileArchiver)(nil)
