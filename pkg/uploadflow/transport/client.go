// Package transport implements the storage-endpoint Transport over HTTP.
//
// The client speaks the two-phase protocol (init, put, confirm) plus the
// single-shot multipart endpoint used for derived variants. Failures are
// returned as *uploadflow.UploadError with user-safe messages; raw response
// details ride along for diagnostics.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openkiln/uploadflow/pkg/uploadflow"
	"github.com/openkiln/uploadflow/pkg/uploadflow/diag"
)

// RequestIDHeader carries the client-generated request id so server logs
// can be correlated with diagnostics entries.
const RequestIDHeader = "X-Request-Id"

const snippetLimit = 200

// Client is the HTTP implementation of uploadflow.Transport.
type Client struct {
	baseURL    string
	httpClient *http.Client
	recorder   *diag.Recorder
	debug      bool
	auth       bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithAuth wraps the client's transport so every request carries the
// credential header produced by at.
func WithAuth(at *AuthTransport) ClientOption {
	return func(c *Client) {
		if at == nil {
			return
		}
		at.Base = c.httpClient.Transport
		hc := *c.httpClient
		hc.Transport = at
		c.httpClient = &hc
		c.auth = true
	}
}

// WithRecorder attaches a diagnostics recorder. Terminal request outcomes
// are appended as attempt entries; a nil or disabled recorder records
// nothing.
func WithRecorder(r *diag.Recorder) ClientOption {
	return func(c *Client) { c.recorder = r }
}

// WithDebug includes response status and body snippets in user-facing
// error messages. Off by default.
func WithDebug(debug bool) ClientOption {
	return func(c *Client) { c.debug = debug }
}

// NewClient returns a Client for the given storage endpoint base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid base URL %q: %w", baseURL, err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ uploadflow.Transport = (*Client)(nil)

// Init starts a two-phase upload and returns the server-assigned upload id
// and put URL.
func (c *Client) Init(ctx context.Context, req uploadflow.InitRequest) (*uploadflow.InitResult, error) {
	body, err := json.Marshal(map[string]any{
		"file_name":  req.FileName,
		"mime_type":  req.MIMEType,
		"size_bytes": req.SizeBytes,
	})
	if err != nil {
		return nil, uploadflow.Classify(uploadflow.StageInit, err)
	}
	data, uerr := c.do(ctx, uploadflow.StageInit, req.RequestID,
		http.MethodPost, c.baseURL+"/api/uploads", "application/json",
		bytes.NewReader(body))
	if uerr != nil {
		return nil, uerr
	}
	res, perr := parseInitResult(data)
	if perr != nil {
		return nil, perr
	}
	res.PutURL = c.resolve(res.PutURL)
	return res, nil
}

// Put streams the file bytes to the put URL issued at init.
func (c *Client) Put(ctx context.Context, req uploadflow.PutRequest) error {
	_, uerr := c.do(ctx, uploadflow.StagePut, req.RequestID,
		http.MethodPut, c.resolve(req.PutURL), req.MIMEType, req.Body)
	return errOrNil(uerr)
}

// Confirm finalizes a two-phase upload and returns the stored image.
func (c *Client) Confirm(ctx context.Context, req uploadflow.ConfirmRequest) (*uploadflow.StoredImage, error) {
	data, uerr := c.do(ctx, uploadflow.StageConfirm, req.RequestID,
		http.MethodPost, c.baseURL+"/api/uploads/"+url.PathEscape(req.UploadID)+"/complete",
		"application/json", nil)
	if uerr != nil {
		return nil, uerr
	}
	img, perr := parseStoredImage(uploadflow.StageConfirm, data)
	if perr != nil {
		return nil, perr
	}
	return img, nil
}

// UploadDirect performs a single-shot multipart upload.
func (c *Client) UploadDirect(ctx context.Context, req uploadflow.DirectUploadRequest) (*uploadflow.StoredImage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, uploadflow.Classify(uploadflow.StageDirect, err)
	}
	if _, err := io.Copy(fw, req.Body); err != nil {
		return nil, uploadflow.Classify(uploadflow.StageDirect, err)
	}
	if err := mw.Close(); err != nil {
		return nil, uploadflow.Classify(uploadflow.StageDirect, err)
	}

	data, uerr := c.do(ctx, uploadflow.StageDirect, req.RequestID,
		http.MethodPost, c.baseURL+"/api/images", mw.FormDataContentType(), &buf)
	if uerr != nil {
		return nil, uerr
	}
	img, perr := parseStoredImage(uploadflow.StageDirect, data)
	if perr != nil {
		return nil, perr
	}
	return img, nil
}

// Abort discards a pending upload. A 404 counts as success: the upload is
// already gone.
func (c *Client) Abort(ctx context.Context, uploadID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/uploads/"+url.PathEscape(uploadID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return uploadflow.Classify(uploadflow.StageAbort, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return c.httpError(uploadflow.StageAbort, resp.StatusCode, nil)
}

// do issues one request and returns the response body on 2xx. All failure
// modes come back as *uploadflow.UploadError.
func (c *Client) do(ctx context.Context, stage string, requestID, method, rawURL, contentType string, body io.Reader) ([]byte, *uploadflow.UploadError) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, uploadflow.Classify(stage, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if requestID != "" {
		req.Header.Set(RequestIDHeader, requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		uerr := uploadflow.Classify(stage, err)
		c.record(stage, requestID, req.URL.Path, 0, "", uerr)
		return nil, uerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		uerr := uploadflow.Classify(stage, err)
		c.record(stage, requestID, req.URL.Path, resp.StatusCode, "", uerr)
		return nil, uerr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		uerr := c.httpError(stage, resp.StatusCode, data)
		c.record(stage, requestID, req.URL.Path, resp.StatusCode, uerr.Snippet, uerr)
		return nil, uerr
	}

	c.record(stage, requestID, req.URL.Path, resp.StatusCode, "", nil)
	return data, nil
}

func (c *Client) httpError(stage string, status int, body []byte) *uploadflow.UploadError {
	snippet := string(body)
	if len(snippet) > snippetLimit {
		snippet = snippet[:snippetLimit]
	}
	msg := "Upload failed. Please retry."
	if c.debug {
		msg = fmt.Sprintf("Upload failed: HTTP %d %s", status, snippet)
	}
	return &uploadflow.UploadError{
		Code:    uploadflow.CodeHTTPError,
		Message: msg,
		Stage:   stage,
		Status:  status,
		Snippet: snippet,
	}
}

func (c *Client) record(stage string, requestID, path string, status int, snippet string, uerr *uploadflow.UploadError) {
	if !c.recorder.Enabled() {
		return
	}
	entry := diag.Entry{
		Kind:         diag.KindAttempt,
		Stage:        stage,
		RequestID:    requestID,
		Path:         path,
		AuthAttached: c.auth,
		Status:       status,
		Snippet:      snippet,
	}
	if uerr != nil {
		entry.Code = string(uerr.Code)
		entry.Detail = uerr.Detail
	}
	c.recorder.Append(entry)
}

// resolve makes a possibly relative put URL absolute against the base.
func (c *Client) resolve(raw string) string {
	if raw == "" || strings.Contains(raw, "://") {
		return raw
	}
	if strings.HasPrefix(raw, "/") {
		return c.baseURL + raw
	}
	return c.baseURL + "/" + raw
}

func errOrNil(uerr *uploadflow.UploadError) error {
	if uerr == nil {
		return nil
	}
	return uerr
}
