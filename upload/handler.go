package upload

import (
	"context"

	log "github.com/sirupsen/logrus"

	"go.teleportal.dev/core/merkle"
	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/session"
)

// Handler adapts a Pipeline to the file.* wire messages dispatched by a
// Session's FileHandler hook, per §4.I: begin/part/complete drive the
// Pipeline directly; progress and the final result are reported back to
// the originating client only (uploads are not broadcast document state).
type Handler struct {
	Pipeline *Pipeline
}

// NewHandler constructs a Handler over pipeline.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{Pipeline: pipeline}
}

// Handle implements the server.FileHandler / session Config.FileHandler
// signature.
func (h *Handler) Handle(ctx context.Context, s *session.Session, m *protocol.Message, c *session.Client) {
	if m.File == nil || c == nil {
		return
	}
	var logger = log.WithField("documentId", m.DocumentID)

	switch m.File.Kind {
	case protocol.FileBegin:
		if err := h.Pipeline.BeginUpload(m.File.FileID, Metadata{
			Filename: m.File.Filename, Size: m.File.Size, DocumentID: m.DocumentID, Encrypted: m.Encrypted,
		}); err != nil {
			h.sendError(ctx, c, m, err)
			return
		}

	case protocol.FilePart:
		// The wire proof carries only sibling hashes, not the left/right bit
		// (verification is deferred to completion's root check, per
		// StoreChunk's doc comment), so each step's Left is left false.
		var proof = make([]merkle.ProofStep, 0, len(m.File.Proof))
		for _, sib := range m.File.Proof {
			var h merkle.Hash
			copy(h[:], sib)
			proof = append(proof, merkle.ProofStep{Sibling: h})
		}
		if err := h.Pipeline.StoreChunk(ctx, m.File.FileID, m.File.ChunkIndex, m.File.ChunkData, proof); err != nil {
			h.sendError(ctx, c, m, err)
			return
		}
		progress, err := h.Pipeline.GetUploadProgress(m.File.FileID)
		if err != nil {
			h.sendError(ctx, c, m, err)
			return
		}
		if err := c.Send(ctx, &protocol.Message{
			Kind: protocol.KindFile, DocumentID: m.DocumentID, Encrypted: m.Encrypted,
			File: &protocol.FilePayload{Kind: protocol.FileProgress, FileID: m.File.FileID, BytesUploaded: progress.BytesUploaded},
		}); err != nil {
			logger.WithError(err).Warn("sending upload progress")
		}

	case protocol.FileComplete:
		result, err := h.Pipeline.CompleteUpload(ctx, m.File.FileID, m.File.FileID)
		if err != nil {
			h.sendError(ctx, c, m, err)
			return
		}
		if err := c.Send(ctx, &protocol.Message{
			Kind: protocol.KindFile, DocumentID: m.DocumentID, Encrypted: m.Encrypted,
			File: &protocol.FilePayload{Kind: protocol.FileResult, FileID: result.FileID, Filename: result.Metadata.Filename, Size: result.Metadata.Size, Done: true},
		}); err != nil {
			logger.WithError(err).Warn("sending upload result")
		}

	default:
		logger.WithField("kind", m.File.Kind).Warn("ignoring unexpected file payload kind from client")
	}
}

func (h *Handler) sendError(ctx context.Context, c *session.Client, m *protocol.Message, err error) {
	if sendErr := c.Send(ctx, &protocol.Message{
		Kind: protocol.KindFile, DocumentID: m.DocumentID, Encrypted: m.Encrypted,
		File: &protocol.FilePayload{Kind: protocol.FileResult, FileID: m.File.FileID, Done: true, Error: err.Error()},
	}); sendErr != nil {
		log.WithError(sendErr).Warn("sending upload error result")
	}
}
