package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/platform/objectstore"
)

// ObjectStore writes checkpoints as progress/<date>.json objects.
type ObjectStore struct {
	store  objectstore.Store
	bucket string
}

func NewObjectStore(store objectstore.Store, bucket string) (*ObjectStore, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &ObjectStore{store: store, bucket: bucket}, nil
}

func ObjectKey(date domain.BusinessDate) string {
	return "progress/" + date.String() + ".json"
}

func (s *ObjectStore) Write(ctx context.Context, cp domain.Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, s.bucket, ObjectKey(cp.Date), bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.Date, err)
	}
	return nil
}

func (s *ObjectStore) Read(ctx context.Context, date domain.BusinessDate) (domain.Checkpoint, error) {
	body, _, err := s.store.Get(ctx, s.bucket, ObjectKey(date))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return domain.Checkpoint{}, ErrNoProgress
		}
		return domain.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", date, err)
	}
	return decode(body)
}
