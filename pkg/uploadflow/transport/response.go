package transport

import (
	"encoding/json"

	"github.com/openkiln/uploadflow/pkg/uploadflow"
)

// initEnvelope is the response body of the init phase.
type initEnvelope struct {
	UploadID string `json:"upload_id"`
	PutURL   string `json:"put_url"`
}

// imageEnvelope covers the closed set of completion response shapes the
// client accepts. The canonical shape nests the image object; a flat
// {id, url} shape is kept for servers predating the envelope.
type imageEnvelope struct {
	ID    string     `json:"id"`
	URL   string     `json:"url"`
	Image *imageBody `json:"image"`
}

type imageBody struct {
	ID         string `json:"id"`
	StorageKey string `json:"storage_key"`
	URL        string `json:"url"`
}

func parseInitResult(data []byte) (*uploadflow.InitResult, *uploadflow.UploadError) {
	var env initEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &uploadflow.UploadError{
			Code:    uploadflow.CodeInvalidJSON,
			Message: "The server sent an unreadable response. Please retry.",
			Stage:   uploadflow.StageInit,
			Detail:  err.Error(),
		}
	}
	if env.UploadID == "" || env.PutURL == "" {
		return nil, &uploadflow.UploadError{
			Code:    uploadflow.CodeMissingFields,
			Message: "The server response was incomplete. Please retry.",
			Stage:   uploadflow.StageInit,
		}
	}
	return &uploadflow.InitResult{UploadID: env.UploadID, PutURL: env.PutURL}, nil
}

// parseStoredImage normalizes a completion or direct-upload response into
// the stored image the caller persists. Unknown shapes fail fast rather
// than guessing at field names.
func parseStoredImage(stage string, data []byte) (*uploadflow.StoredImage, *uploadflow.UploadError) {
	var env imageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &uploadflow.UploadError{
			Code:    uploadflow.CodeInvalidJSON,
			Message: "The server sent an unreadable response. Please retry.",
			Stage:   stage,
			Detail:  err.Error(),
		}
	}
	if env.Image != nil {
		id := env.Image.ID
		if id == "" {
			id = env.Image.StorageKey
		}
		if id != "" && env.Image.URL != "" {
			return &uploadflow.StoredImage{ID: id, URL: env.Image.URL}, nil
		}
	} else if env.ID != "" && env.URL != "" {
		return &uploadflow.StoredImage{ID: env.ID, URL: env.URL}, nil
	}
	return nil, &uploadflow.UploadError{
		Code:    uploadflow.CodeMissingFields,
		Message: "The server response was incomplete. Please retry.",
		Stage:   stage,
	}
}
