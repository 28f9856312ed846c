package uploadflow

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// SlotStatus is the domain type for slot lifecycle states.
type SlotStatus string

// Slot status constants (typed).
const (
	SlotStatusEmpty     SlotStatus = "empty"
	SlotStatusQueued    SlotStatus = "queued"
	SlotStatusUploading SlotStatus = "uploading"
	SlotStatusUploaded  SlotStatus = "uploaded"
	SlotStatusError     SlotStatus = "error"
)

// Token is a per-assignment freshness marker. A slot gets a new token every
// time it is assigned a file; in-flight work tagged with an old token is a
// no-op on completion.
type Token string

// NewToken returns a fresh, unique token.
func NewToken() Token {
	return Token(uuid.NewString())
}

// PreviewScheme prefixes locally issued preview references. URLs carrying
// this scheme (or blob:/data:) must never appear in a save payload.
const PreviewScheme = "preview://"

// ManagedImage represents one slot in an entity's image set.
//
// URL is either empty, a local preview reference, or the server-issued URL
// once the upload is confirmed. File and PreviewURL are transient and cleared
// on successful reconciliation.
type ManagedImage struct {
	ID         string      `json:"id"`
	URL        string      `json:"url,omitempty"`
	PreviewURL string      `json:"preview_url,omitempty"`
	File       FileHandle  `json:"-"`
	MIMEType   string      `json:"mime_type,omitempty"`
	IsPrimary  bool        `json:"is_primary"`
	Status     SlotStatus  `json:"status"`
	Token      Token       `json:"-"`
	UploadID   string      `json:"upload_id,omitempty"`
	ImageID    string      `json:"image_id,omitempty"`
	Err        *UploadError `json:"error,omitempty"`
	// Detail carries debug-only failure text. It is only populated while
	// diagnostics mode is active and must not be shown to normal users.
	Detail string `json:"-"`
}

// Uploading reports whether the slot has work queued or in flight.
func (m *ManagedImage) Uploading() bool {
	return m.Status == SlotStatusQueued || m.Status == SlotStatusUploading
}

// SavedImage is one element of the payload an owning form persists.
type SavedImage struct {
	URL       string `json:"url"`
	ImageID   string `json:"image_id,omitempty"`
	IsPrimary bool   `json:"is_primary"`
}

// StoredImage is the normalized result of a storage-endpoint upload.
type StoredImage struct {
	ID  string
	URL string
}

// InitRequest starts a two-phase upload.
type InitRequest struct {
	RequestID string
	FileName  string
	MIMEType  string
	SizeBytes int64
}

// InitResult carries the server-assigned upload identity.
type InitResult struct {
	UploadID string
	PutURL   string
}

// PutRequest uploads the file bytes for an initialized upload.
type PutRequest struct {
	RequestID string
	UploadID  string
	PutURL    string
	MIMEType  string
	Body      io.Reader
}

// ConfirmRequest finalizes a two-phase upload.
type ConfirmRequest struct {
	RequestID string
	UploadID  string
}

// DirectUploadRequest performs a single-shot multipart upload. Used for
// derived variants, where the two-phase handshake is unnecessary overhead.
type DirectUploadRequest struct {
	RequestID string
	FileName  string
	MIMEType  string
	Body      io.Reader
}

// Transport performs the network exchange with the storage endpoint.
// Implementations must honor context cancellation on every call and return
// *UploadError values (or errors classifiable by Classify) on failure.
type Transport interface {
	Init(ctx context.Context, req InitRequest) (*InitResult, error)
	Put(ctx context.Context, req PutRequest) error
	Confirm(ctx context.Context, req ConfirmRequest) (*StoredImage, error)
	UploadDirect(ctx context.Context, req DirectUploadRequest) (*StoredImage, error)
	Abort(ctx context.Context, uploadID string) error
}

// VariantSpec describes one derived rendition of an original image.
type VariantSpec struct {
	Name     string
	MaxWidth int
	Quality  float32
}

// DefaultVariantSpecs are the renditions generated alongside every original.
var DefaultVariantSpecs = []VariantSpec{
	{Name: "thumb", MaxWidth: 512, Quality: 0.72},
	{Name: "medium", MaxWidth: 1280, Quality: 0.78},
}

// VariantGenerator produces a downscaled re-encoded rendition of src.
type VariantGenerator interface {
	Generate(ctx context.Context, src io.Reader, spec VariantSpec) ([]byte, error)
}
