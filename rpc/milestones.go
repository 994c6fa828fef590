package rpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/storage"
)

// milestoneInfo is the JSON shape of a milestone as returned to clients;
// it omits Snapshot except from milestoneGet, which needs the content.
type milestoneInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

func toInfo(m *storage.Milestone) milestoneInfo {
	return milestoneInfo{ID: m.ID, Name: m.Name, CreatedAt: m.CreatedAt}
}

// RegisterMilestoneMethods wires the milestoneList/Get/Create/UpdateName/
// Delete/Restore handlers into r, per §4.J. metaUpdater records a created
// or deleted milestone's id on the owning document's metadata.
func RegisterMilestoneMethods(r *Registry, store storage.MilestoneStore, metaUpdater func(ctx context.Context, engine storage.Engine, documentID, milestoneID string, add bool) error) {
	r.Register("milestoneList", func(rc *Context, req Request) (*Response, error) {
		list, err := store.List(rc.Context, rc.Session.DocumentID())
		if err != nil {
			return nil, errors.Wrap(err, "listing milestones")
		}
		var infos = make([]milestoneInfo, 0, len(list))
		for _, m := range list {
			infos = append(infos, toInfo(m))
		}
		return jsonResponse(map[string]interface{}{"milestones": infos})
	})

	r.Register("milestoneGet", func(rc *Context, req Request) (*Response, error) {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, BadRequest("decoding milestoneGet request: %s", err)
		}
		m, err := store.Get(rc.Context, rc.Session.DocumentID(), body.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NotFound("milestone %q not found", body.ID)
		} else if err != nil {
			return nil, errors.Wrap(err, "getting milestone")
		}
		return jsonResponse(struct {
			milestoneInfo
			Snapshot []byte `json:"snapshot"`
		}{toInfo(m), m.Snapshot})
	})

	r.Register("milestoneCreate", func(rc *Context, req Request) (*Response, error) {
		var body struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, BadRequest("decoding milestoneCreate request: %s", err)
		}
		doc, err := rc.Session.Storage().GetDocument(rc.Context, rc.Session.DocumentID())
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrap(err, "reading document for milestone snapshot")
		}
		var snapshot []byte
		if doc != nil {
			snapshot = doc.Snapshot
		}
		m, err := store.Create(rc.Context, rc.Session.DocumentID(), body.Name, snapshot)
		if err != nil {
			return nil, errors.Wrap(err, "creating milestone")
		}
		if metaUpdater != nil {
			if err := rc.Session.Storage().Transaction(rc.Context, rc.Session.DocumentID(), func(ctx context.Context) error {
				return metaUpdater(ctx, rc.Session.Storage(), rc.Session.DocumentID(), m.ID, true)
			}); err != nil {
				return nil, errors.Wrap(err, "recording milestone in document metadata")
			}
		}
		return jsonResponse(toInfo(m))
	})

	r.Register("milestoneUpdateName", func(rc *Context, req Request) (*Response, error) {
		var body struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, BadRequest("decoding milestoneUpdateName request: %s", err)
		}
		m, err := store.UpdateName(rc.Context, rc.Session.DocumentID(), body.ID, body.Name)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NotFound("milestone %q not found", body.ID)
		} else if err != nil {
			return nil, errors.Wrap(err, "updating milestone name")
		}
		return jsonResponse(toInfo(m))
	})

	r.Register("milestoneDelete", func(rc *Context, req Request) (*Response, error) {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, BadRequest("decoding milestoneDelete request: %s", err)
		}
		if err := store.Delete(rc.Context, rc.Session.DocumentID(), body.ID); errors.Is(err, storage.ErrNotFound) {
			return nil, NotFound("milestone %q not found", body.ID)
		} else if err != nil {
			return nil, errors.Wrap(err, "deleting milestone")
		}
		if metaUpdater != nil {
			if err := rc.Session.Storage().Transaction(rc.Context, rc.Session.DocumentID(), func(ctx context.Context) error {
				return metaUpdater(ctx, rc.Session.Storage(), rc.Session.DocumentID(), body.ID, false)
			}); err != nil {
				return nil, errors.Wrap(err, "removing milestone from document metadata")
			}
		}
		return jsonResponse(map[string]interface{}{})
	})

	r.Register("milestoneRestore", func(rc *Context, req Request) (*Response, error) {
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, BadRequest("decoding milestoneRestore request: %s", err)
		}
		m, err := store.Get(rc.Context, rc.Session.DocumentID(), body.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NotFound("milestone %q not found", body.ID)
		} else if err != nil {
			return nil, errors.Wrap(err, "getting milestone to restore")
		}
		if err := rc.Session.Storage().ReplaceDocument(rc.Context, rc.Session.DocumentID(), m.Snapshot); err != nil {
			return nil, errors.Wrap(err, "restoring milestone snapshot")
		}
		// Broadcast the restored content to every local client as a
		// synthetic update, so collaborators converge without each needing
		// to re-run sync-step-1.
		rc.Session.Broadcast(rc.Context, &protocol.Message{
			Kind: protocol.KindDoc, DocumentID: rc.Session.DocumentID(), Encrypted: rc.Session.Encrypted(),
			Doc: &protocol.DocPayload{Kind: protocol.DocUpdate, Update: &protocol.Update{Opaque: m.Snapshot}},
		}, "")
		return jsonResponse(toInfo(m))
	})
}

func jsonResponse(v interface{}) (*Response, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encoding response payload")
	}
	return &Response{Payload: payload}, nil
}
