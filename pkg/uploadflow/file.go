package uploadflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileHandle abstracts a selected local file. Implementations must tolerate
// repeated Open calls; the orchestrator reads a file once for the probe, once
// for the upload, and once per derived variant.
type FileHandle interface {
	Name() string
	Size() int64
	DeclaredMIME() string
	Open() (io.ReadCloser, error)
}

// OSFile is a path-backed FileHandle.
type OSFile struct {
	path string
	name string
	size int64
	mime string
}

// NewOSFile stats path and returns a handle for it. The declared MIME may be
// empty; validation falls back to the file extension.
func NewOSFile(path, declaredMIME string) (*OSFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	return &OSFile{
		path: path,
		name: filepath.Base(path),
		size: info.Size(),
		mime: declaredMIME,
	}, nil
}

func (f *OSFile) Name() string         { return f.name }
func (f *OSFile) Size() int64          { return f.size }
func (f *OSFile) DeclaredMIME() string { return f.mime }

func (f *OSFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

// MemFile is a byte-backed FileHandle, used for paste intake and tests.
type MemFile struct {
	name string
	mime string
	data []byte
}

// NewMemFile wraps in-memory bytes as a FileHandle.
func NewMemFile(name, declaredMIME string, data []byte) *MemFile {
	return &MemFile{name: name, mime: declaredMIME, data: data}
}

func (f *MemFile) Name() string         { return f.name }
func (f *MemFile) Size() int64          { return int64(len(f.data)) }
func (f *MemFile) DeclaredMIME() string { return f.mime }

func (f *MemFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}
