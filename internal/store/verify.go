package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrDigestMismatch is returned when archived entries no longer match the
// digest recorded with their snapshot.
var ErrDigestMismatch = errors.New("store: snapshot digest mismatch")

// VerifySnapshot recomputes the digest of snapshot id from its stored
// entries.
func (s *Store) VerifySnapshot(ctx context.Context, id int64) error {
	snap, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	entries, err := s.Entries(ctx, id)
	if err != nil {
		return err
	}
	if len(entries) != snap.Count {
		return fmt.Errorf("snapshot %d: %d entries, header says %d: %w", id, len(entries), snap.Count, ErrDigestMismatch)
	}
	if digestEntries(entries) != snap.Digest {
		return fmt.Errorf("snapshot %d: %w", id, ErrDigestMismatch)
	}
	return nil
}

// VerifyAll checks every snapshot and returns the ids that fail.
func (s *Store) VerifyAll(ctx context.Context) ([]int64, error) {
	snaps, err := s.ListSnapshots(ctx, 0)
	if err != nil {
		return nil, err
	}

	var failed []int64
	for _, snap := range snaps {
		err := s.VerifySnapshot(ctx, snap.ID)
		switch {
		case err == nil:
		case errors.Is(err, ErrDigestMismatch):
			failed = append(failed, snap.ID)
		default:
			return failed, err
		}
	}
	return failed, nil
}
