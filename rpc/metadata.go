package rpc

import (
	"context"

	"github.com/pkg/errors"

	"go.teleportal.dev/core/storage"
)

// UpdateMilestonesInDocumentMetadata is the reference metaUpdater for
// RegisterMilestoneMethods: it adds or removes milestoneID from the
// document's metadata.milestones list.
func UpdateMilestonesInDocumentMetadata(ctx context.Context, engine storage.Engine, documentID, milestoneID string, add bool) error {
	meta, err := engine.GetDocumentMetadata(ctx, documentID)
	if errors.Is(err, storage.ErrNotFound) {
		meta = &storage.Metadata{DocumentID: documentID}
	} else if err != nil {
		return errors.Wrap(err, "reading document metadata")
	}

	if add {
		for _, id := range meta.Milestones {
			if id == milestoneID {
				return nil
			}
		}
		meta.Milestones = append(meta.Milestones, milestoneID)
	} else {
		var kept = meta.Milestones[:0]
		for _, id := range meta.Milestones {
			if id != milestoneID {
				kept = append(kept, id)
			}
		}
		meta.Milestones = kept
	}
	return engine.WriteDocumentMetadata(ctx, documentID, meta)
}
