package rpc

import (
	"context"
	"encoding/json"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.teleportal.dev/core/merkle"
	"go.teleportal.dev/core/upload"
)

// FileReader serves previously completed uploads back by fileId, for
// fileDownload. upload.MemoryFileStore is the reference implementation.
type FileReader interface {
	OpenFile(ctx context.Context, fileID string) (io.ReadCloser, *upload.Metadata, error)
}

// RegisterFileMethods wires the fileUpload and fileDownload RPCs into r,
// per §4.J: these mediate the chunked file pipeline for callers that find
// it simpler to ship (or fetch) a whole file over the RPC plane rather
// than driving file.begin/part/complete messages themselves.
func RegisterFileMethods(r *Registry, pipeline *upload.Pipeline, reader FileReader) {
	r.Register("fileUpload", func(rc *Context, req Request) (*Response, error) {
		var body struct {
			Filename  string `json:"filename"`
			MimeType  string `json:"mimeType"`
			Encrypted bool   `json:"encrypted"`
			Data      []byte `json:"data"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, BadRequest("decoding fileUpload request: %s", err)
		}

		var uploadID = uuid.NewString()
		var size = int64(len(body.Data))
		if err := pipeline.BeginUpload(uploadID, upload.Metadata{
			Filename: body.Filename, Size: size, MimeType: body.MimeType,
			Encrypted: body.Encrypted, DocumentID: rc.Session.DocumentID(),
		}); err != nil {
			return nil, errors.Wrap(err, "beginning upload")
		}

		var count = merkle.ChunkCount(size)
		for i := 0; i < count; i++ {
			var start = i * merkle.ChunkSize
			var end = start + merkle.ChunkSize
			if end > len(body.Data) {
				end = len(body.Data)
			}
			if err := pipeline.StoreChunk(rc.Context, uploadID, i, body.Data[start:end], nil); err != nil {
				return nil, errors.Wrapf(err, "storing chunk %d", i)
			}
		}

		result, err := pipeline.CompleteUpload(rc.Context, uploadID, "")
		if err != nil {
			return nil, errors.Wrap(err, "completing upload")
		}
		return jsonResponse(map[string]string{"fileId": result.FileID})
	})

	r.Register("fileDownload", func(rc *Context, req Request) (*Response, error) {
		var body struct {
			FileID string `json:"fileId"`
		}
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return nil, BadRequest("decoding fileDownload request: %s", err)
		}

		f, meta, err := reader.OpenFile(rc.Context, body.FileID)
		if errors.Is(err, upload.ErrUnknownFile) {
			return nil, NotFound("file %q not found", body.FileID)
		} else if err != nil {
			return nil, errors.Wrap(err, "opening file for download")
		}
		defer f.Close()

		var chunk = make([]byte, merkle.ChunkSize)
		for {
			n, readErr := f.Read(chunk)
			if n > 0 {
				streamBody, encErr := json.Marshal(map[string]interface{}{"chunk": chunk[:n]})
				if encErr != nil {
					return nil, errors.Wrap(encErr, "encoding download chunk")
				}
				if err := rc.Stream(streamBody); err != nil {
					return nil, errors.Wrap(err, "streaming download chunk")
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return nil, errors.Wrap(readErr, "reading file for download")
			}
		}

		return jsonResponse(map[string]interface{}{
			"fileId": body.FileID, "filename": meta.Filename, "size": meta.Size, "mimeType": meta.MimeType,
		})
	})
}
