package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"cityflow/internal/codec"
	"cityflow/internal/model"
)

type fsArchive struct {
	root string
}

func NewFS(dir string) (Archive, error) {
	if dir == "" {
		return nil, errors.New("archive dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fsArchive{root: dir}, nil
}

func (a *fsArchive) PutEvent(ctx context.Context, ev model.EnrichedEvent) error {
	return a.write(ObjectKey(ev), ev)
}

func (a *fsArchive) PutDeadLetter(ctx context.Context, ev model.EnrichedEvent) error {
	return a.write(DeadLetterKey(ev), ev)
}

func (a *fsArchive) write(key string, ev model.EnrichedEvent) error {
	path := filepath.Join(a.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, codec.EncodeEnriched(ev), 0o644)
}

func (a *fsArchive) Close() error {
	return nil
}
