package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkiln/uploadflow/pkg/uploadflow"
	"github.com/openkiln/uploadflow/pkg/uploadflow/diag"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestInit(t *testing.T) {
	var gotBody map[string]any
	var gotRequestID string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/uploads", r.URL.Path)
		gotRequestID = r.Header.Get(RequestIDHeader)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"upload_id":"up-1","put_url":"/api/uploads/up-1/data"}`)
	}))

	res, err := c.Init(context.Background(), uploadflow.InitRequest{
		RequestID: "r1",
		FileName:  "a.jpg",
		MIMEType:  "image/jpeg",
		SizeBytes: 42,
	})
	require.NoError(t, err)
	assert.Equal(t, "up-1", res.UploadID)
	assert.True(t, strings.HasSuffix(res.PutURL, "/api/uploads/up-1/data"))
	assert.True(t, strings.HasPrefix(res.PutURL, "http"), "relative put URL is resolved against the base")
	assert.Equal(t, "r1", gotRequestID)
	assert.Equal(t, "a.jpg", gotBody["file_name"])
	assert.Equal(t, "image/jpeg", gotBody["mime_type"])
	assert.Equal(t, float64(42), gotBody["size_bytes"])
}

func TestInitMissingFields(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"something_else":"x"}`)
	}))

	_, err := c.Init(context.Background(), uploadflow.InitRequest{FileName: "a.jpg"})
	assert.Equal(t, uploadflow.CodeMissingFields, uploadflow.CodeOf(err))
}

func TestInitInvalidJSON(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>gateway error</html>`)
	}))

	_, err := c.Init(context.Background(), uploadflow.InitRequest{FileName: "a.jpg"})
	assert.Equal(t, uploadflow.CodeInvalidJSON, uploadflow.CodeOf(err))
}

func TestHTTPErrorCarriesStatusAndSnippet(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `upstream unavailable`)
	}))

	_, err := c.Init(context.Background(), uploadflow.InitRequest{FileName: "a.jpg"})
	var ue *uploadflow.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, uploadflow.CodeHTTPError, ue.Code)
	assert.Equal(t, http.StatusBadGateway, ue.Status)
	assert.Equal(t, "upstream unavailable", ue.Snippet)
	assert.NotContains(t, ue.Message, "502", "status stays out of the user message unless debug is on")
}

func TestHTTPErrorDebugMessage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, `boom`)
	}), WithDebug(true))

	_, err := c.Init(context.Background(), uploadflow.InitRequest{FileName: "a.jpg"})
	var ue *uploadflow.UploadError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Message, "500")
	assert.Contains(t, ue.Message, "boom")
}

func TestPut(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.Put(context.Background(), uploadflow.PutRequest{
		RequestID: "r1",
		UploadID:  "up-1",
		PutURL:    "/api/uploads/up-1/data",
		MIMEType:  "image/png",
		Body:      strings.NewReader("png bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(gotBody))
	assert.Equal(t, "image/png", gotContentType)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantID  string
		wantURL string
		wantErr uploadflow.Code
	}{
		{
			name:    "canonical envelope",
			body:    `{"image":{"id":"img-1","storage_key":"k/img-1","url":"https://cdn.test/img-1.jpg"}}`,
			wantID:  "img-1",
			wantURL: "https://cdn.test/img-1.jpg",
		},
		{
			name:    "envelope with storage key only",
			body:    `{"image":{"storage_key":"k/img-1","url":"https://cdn.test/img-1.jpg"}}`,
			wantID:  "k/img-1",
			wantURL: "https://cdn.test/img-1.jpg",
		},
		{
			name:    "legacy flat shape",
			body:    `{"id":"img-1","url":"https://cdn.test/img-1.jpg"}`,
			wantID:  "img-1",
			wantURL: "https://cdn.test/img-1.jpg",
		},
		{
			name:    "unknown shape fails fast",
			body:    `{"result":{"href":"https://cdn.test/img-1.jpg"}}`,
			wantErr: uploadflow.CodeMissingFields,
		},
		{
			name:    "envelope missing url",
			body:    `{"image":{"id":"img-1"}}`,
			wantErr: uploadflow.CodeMissingFields,
		},
		{
			name:    "not json",
			body:    `ok`,
			wantErr: uploadflow.CodeInvalidJSON,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/api/uploads/up-1/complete", r.URL.Path)
				io.WriteString(w, tt.body)
			}))

			img, err := c.Confirm(context.Background(), uploadflow.ConfirmRequest{UploadID: "up-1"})
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, uploadflow.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, img.ID)
			assert.Equal(t, tt.wantURL, img.URL)
		})
	}
}

func TestUploadDirect(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/images", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "img-1_thumb.webp", hdr.Filename)
		assert.Equal(t, "webp bytes", string(data))
		io.WriteString(w, `{"image":{"id":"v-1","url":"https://cdn.test/v-1.webp"}}`)
	}))

	img, err := c.UploadDirect(context.Background(), uploadflow.DirectUploadRequest{
		RequestID: "r1",
		FileName:  "img-1_thumb.webp",
		MIMEType:  "image/webp",
		Body:      strings.NewReader("webp bytes"),
	})
	require.NoError(t, err)
	assert.Equal(t, "v-1", img.ID)
}

func TestAbort(t *testing.T) {
	t.Run("2xx succeeds", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			require.Equal(t, "/api/uploads/up-1", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}))
		assert.NoError(t, c.Abort(context.Background(), "up-1"))
	})

	t.Run("404 counts as success", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		assert.NoError(t, c.Abort(context.Background(), "up-1"))
	})

	t.Run("500 reported", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		err := c.Abort(context.Background(), "up-1")
		assert.Equal(t, uploadflow.CodeHTTPError, uploadflow.CodeOf(err))

		var ue *uploadflow.UploadError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, uploadflow.StageAbort, ue.Stage)
	})
}

func TestContextCancellationClassified(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.Init(ctx, uploadflow.InitRequest{FileName: "a.jpg"})
	assert.Equal(t, uploadflow.CodeUploadTimeout, uploadflow.CodeOf(err))
}

func TestAuthHeaderAttached(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{"upload_id":"up-1","put_url":"/p"}`)
	}), WithAuth(StaticToken("secret")))

	_, err := c.Init(context.Background(), uploadflow.InitRequest{FileName: "a.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestRecorderCapturesAttempts(t *testing.T) {
	rec := diag.NewRecorder(true)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `denied`)
	}), WithRecorder(rec), WithAuth(StaticToken("secret")))

	_, err := c.Init(context.Background(), uploadflow.InitRequest{RequestID: "r1", FileName: "a.jpg"})
	require.Error(t, err)

	entries := rec.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, diag.KindAttempt, e.Kind)
	assert.Equal(t, "r1", e.RequestID)
	assert.Equal(t, "/api/uploads", e.Path)
	assert.True(t, e.AuthAttached)
	assert.Equal(t, http.StatusForbidden, e.Status)
	assert.Equal(t, "denied", e.Snippet)
	assert.Equal(t, string(uploadflow.CodeHTTPError), e.Code)
}

func TestRecorderDisabledByDefault(t *testing.T) {
	rec := diag.NewRecorder(false)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"upload_id":"up-1","put_url":"/p"}`)
	}), WithRecorder(rec))

	_, err := c.Init(context.Background(), uploadflow.InitRequest{FileName: "a.jpg"})
	require.NoError(t, err)
	assert.Empty(t, rec.Entries())
}
