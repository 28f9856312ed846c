package uploadflow

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkiln/uploadflow/pkg/uploadflow/diag"
)

// fakeTransport records every call and can be told to fail, block, or delay
// individual phases.
type fakeTransport struct {
	mu        sync.Mutex
	seq       int
	initNames []string
	puts      int
	confirms  int
	directs   []string
	aborts    []string

	active    int
	maxActive int

	initErr    error
	putErr     error
	confirmErr error
	putGate    chan struct{} // when non-nil, Put blocks until closed or ctx is done
}

func (t *fakeTransport) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initErr != nil {
		return nil, t.initErr
	}
	t.seq++
	t.initNames = append(t.initNames, req.FileName)
	id := fmt.Sprintf("up-%d", t.seq)
	return &InitResult{UploadID: id, PutURL: "/put/" + id}, nil
}

func (t *fakeTransport) Put(ctx context.Context, req PutRequest) error {
	t.mu.Lock()
	t.puts++
	t.active++
	if t.active > t.maxActive {
		t.maxActive = t.active
	}
	gate := t.putGate
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.active--
		t.mu.Unlock()
	}()

	if _, err := io.Copy(io.Discard, req.Body); err != nil {
		return err
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return t.putErr
}

func (t *fakeTransport) Confirm(ctx context.Context, req ConfirmRequest) (*StoredImage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.confirmErr != nil {
		return nil, t.confirmErr
	}
	t.confirms++
	return &StoredImage{
		ID:  "img-" + req.UploadID,
		URL: "https://cdn.test/" + req.UploadID + ".jpg",
	}, nil
}

func (t *fakeTransport) UploadDirect(ctx context.Context, req DirectUploadRequest) (*StoredImage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.directs = append(t.directs, req.FileName)
	return &StoredImage{ID: "v-" + req.FileName, URL: "https://cdn.test/" + req.FileName}, nil
}

func (t *fakeTransport) Abort(ctx context.Context, uploadID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.aborts = append(t.aborts, uploadID)
	return nil
}

func (t *fakeTransport) stats() (inits, puts, confirms int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.initNames), t.puts, t.confirms
}

func (t *fakeTransport) abortedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.aborts))
	copy(out, t.aborts)
	return out
}

func goodFile(name string) FileHandle {
	return NewMemFile(name, "image/jpeg", []byte("not really a jpeg but bytes enough"))
}

func flush(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Flush(ctx))
}

func TestAddImagesRoundTrip(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	snapshot, err := o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, SlotStatusQueued, snapshot[0].Status)
	assert.True(t, snapshot[0].IsPrimary)
	assert.Equal(t, PreviewScheme+snapshot[0].ID, snapshot[0].PreviewURL)

	flush(t, o)

	slots := o.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, SlotStatusUploaded, slots[0].Status)
	assert.Equal(t, "https://cdn.test/up-1.jpg", slots[0].URL)
	assert.Equal(t, "img-up-1", slots[0].ImageID)
	assert.Nil(t, slots[0].File)
	assert.Empty(t, slots[0].PreviewURL)
	assert.Empty(t, slots[0].UploadID)

	inits, puts, confirms := ft.stats()
	assert.Equal(t, 1, inits)
	assert.Equal(t, 1, puts)
	assert.Equal(t, 1, confirms)
}

func TestAddImagesRejectsEmptyBatch(t *testing.T) {
	o, err := New(&fakeTransport{})
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages(nil)
	assert.Equal(t, CodeNoFiles, CodeOf(err))
}

func TestAddImagesTruncatesAtCap(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	// 5 files into an empty list: the first 4 are admitted, the overflow
	// is reported alongside the snapshot.
	snapshot, err := o.AddImages([]FileHandle{
		goodFile("a.jpg"), goodFile("b.jpg"), goodFile("c.jpg"),
		goodFile("d.jpg"), goodFile("e.jpg"),
	})
	assert.Equal(t, CodeMaxImages, CodeOf(err))
	require.Len(t, snapshot, 4)
	assert.Len(t, o.Slots(), 4)

	// Adding to an already-full list is rejected outright.
	snapshot, err = o.AddImages([]FileHandle{goodFile("f.jpg")})
	assert.Equal(t, CodeMaxImages, CodeOf(err))
	assert.Nil(t, snapshot)
	assert.Len(t, o.Slots(), 4)

	flush(t, o)
}

func TestAddImagesPartialBatchFillsRemainingCapacity(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg"), goodFile("b.jpg"), goodFile("c.jpg")})
	require.NoError(t, err)

	snapshot, err := o.AddImages([]FileHandle{goodFile("d.jpg"), goodFile("e.jpg")})
	assert.Equal(t, CodeMaxImages, CodeOf(err))
	require.Len(t, snapshot, 4)
	require.NotNil(t, snapshot[3].File)
	assert.Equal(t, "d.jpg", snapshot[3].File.Name(), "files are admitted in order up to the cap")

	flush(t, o)
	inits, _, _ := ft.stats()
	assert.Equal(t, 4, inits, "the skipped file never uploads")
}

func TestAddImagesAtReplacementDoesNotCountAgainstCap(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages([]FileHandle{
		goodFile("a.jpg"), goodFile("b.jpg"), goodFile("c.jpg"), goodFile("d.jpg"),
	})
	require.NoError(t, err)
	flush(t, o)

	before := o.Slots()
	snapshot, err := o.AddImagesAt([]FileHandle{goodFile("e.jpg")}, 1)
	require.NoError(t, err)
	require.Len(t, snapshot, 4)
	assert.NotEqual(t, before[1].ID, snapshot[1].ID, "replaced slot gets a new id")
	assert.Equal(t, before[0].ID, snapshot[0].ID)

	flush(t, o)
}

func TestPreflightFailureNeverReachesNetwork(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	snapshot, err := o.AddImages([]FileHandle{NewMemFile("empty.jpg", "image/jpeg", nil)})
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, SlotStatusError, snapshot[0].Status)
	require.NotNil(t, snapshot[0].Err)
	assert.Equal(t, CodeFileSizeZero, snapshot[0].Err.Code)

	flush(t, o)
	inits, puts, confirms := ft.stats()
	assert.Zero(t, inits)
	assert.Zero(t, puts)
	assert.Zero(t, confirms)
}

func TestHEICRejectedRegardlessOfDeclaredMIME(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	snapshot, err := o.AddImages([]FileHandle{
		NewMemFile("IMG_0001.heic", "image/jpeg", []byte("bytes")),
	})
	require.NoError(t, err)
	require.NotNil(t, snapshot[0].Err)
	assert.Equal(t, CodeFileTypeHEIC, snapshot[0].Err.Code)

	flush(t, o)
	inits, _, _ := ft.stats()
	assert.Zero(t, inits)
}

func TestUploadsRunOneAtATimeInOrder(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg"), goodFile("b.jpg"), goodFile("c.jpg")})
	require.NoError(t, err)
	flush(t, o)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, ft.initNames)
	assert.Equal(t, 1, ft.maxActive)
}

func TestRemoveMidFlightAbortsAndDiscardsCompletion(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{putGate: gate}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	snapshot, err := o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	slotID := snapshot[0].ID

	require.Eventually(t, func() bool {
		slots := o.Slots()
		return len(slots) == 1 && slots[0].Status == SlotStatusUploading
	}, 2*time.Second, 5*time.Millisecond)

	o.Remove(slotID)
	close(gate)
	flush(t, o)

	assert.Empty(t, o.Slots())
	assert.Eventually(t, func() bool {
		ids := ft.abortedIDs()
		return len(ids) > 0 && ids[0] == "up-1"
	}, 2*time.Second, 5*time.Millisecond)

	_, _, confirms := ft.stats()
	assert.Zero(t, confirms, "a removed slot's upload must not be confirmed")
}

func TestTimeoutClassifiedAndAborted(t *testing.T) {
	ft := &fakeTransport{putGate: make(chan struct{})} // never released
	o, err := New(ft, WithUploadTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	flush(t, o)

	slots := o.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, SlotStatusError, slots[0].Status)
	require.NotNil(t, slots[0].Err)
	assert.Equal(t, CodeUploadTimeout, slots[0].Err.Code)

	assert.Eventually(t, func() bool {
		return len(ft.abortedIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRetryAfterFailure(t *testing.T) {
	ft := &fakeTransport{initErr: fmt.Errorf("boom")}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	snapshot, err := o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	slotID := snapshot[0].ID
	flush(t, o)

	slots := o.Slots()
	require.Equal(t, SlotStatusError, slots[0].Status)
	assert.Equal(t, CodeInitFailed, slots[0].Err.Code)

	ft.mu.Lock()
	ft.initErr = nil
	ft.mu.Unlock()

	snapshot, err = o.Retry(slotID)
	require.NoError(t, err)
	assert.Equal(t, slotID, snapshot[0].ID, "retry keeps the slot id")
	assert.Equal(t, SlotStatusQueued, snapshot[0].Status)

	flush(t, o)
	slots = o.Slots()
	assert.Equal(t, SlotStatusUploaded, slots[0].Status)
	assert.Equal(t, "https://cdn.test/up-1.jpg", slots[0].URL)
}

func TestRetryUnavailable(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	snapshot, err := o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	flush(t, o)

	_, err = o.Retry(snapshot[0].ID)
	assert.ErrorIs(t, err, ErrRetryUnavailable, "uploaded slots cannot be retried")

	_, err = o.Retry("no-such-slot")
	assert.ErrorIs(t, err, ErrRetryUnavailable)
}

func TestSavePayloadLifecycle(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{putGate: gate}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)

	_, err = o.SavePayload()
	assert.ErrorIs(t, err, ErrUploadsInProgress)

	close(gate)
	flush(t, o)

	payload, err := o.SavePayload()
	require.NoError(t, err)
	require.Len(t, payload, 1)
	assert.Equal(t, "https://cdn.test/up-1.jpg", payload[0].URL)
	assert.True(t, payload[0].IsPrimary)
}

func TestSetPrimaryReordersPayload(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg"), goodFile("b.jpg")})
	require.NoError(t, err)
	flush(t, o)

	slots := o.Slots()
	require.NoError(t, o.SetPrimary(slots[1].ID))

	payload, err := o.SavePayload()
	require.NoError(t, err)
	require.Len(t, payload, 2)
	assert.Equal(t, slots[1].URL, payload[0].URL)
	assert.True(t, payload[0].IsPrimary)
	assert.False(t, payload[1].IsPrimary)
}

func TestRemovePrimaryPromotesNext(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg"), goodFile("b.jpg")})
	require.NoError(t, err)
	flush(t, o)

	slots := o.Slots()
	require.True(t, slots[0].IsPrimary)
	o.Remove(slots[0].ID)

	slots = o.Slots()
	require.Len(t, slots, 1)
	assert.True(t, slots[0].IsPrimary)
}

func TestReplaceMidFlightStartsFreshUpload(t *testing.T) {
	gate := make(chan struct{})
	ft := &fakeTransport{putGate: gate}
	o, err := New(ft)
	require.NoError(t, err)
	defer o.Close()

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		slots := o.Slots()
		return len(slots) == 1 && slots[0].Status == SlotStatusUploading
	}, 2*time.Second, 5*time.Millisecond)

	_, err = o.AddImagesAt([]FileHandle{goodFile("b.jpg")}, 0)
	require.NoError(t, err)
	close(gate)
	flush(t, o)

	slots := o.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, SlotStatusUploaded, slots[0].Status)
	assert.Equal(t, "https://cdn.test/up-2.jpg", slots[0].URL)

	assert.Eventually(t, func() bool {
		for _, id := range ft.abortedIDs() {
			if id == "up-1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestVariantFailuresAreNonFatal(t *testing.T) {
	ft := &fakeTransport{}
	rec := diag.NewRecorder(true)
	o, err := New(ft,
		WithRecorder(rec),
		WithVariantGenerator(failingGenerator{}, VariantSpec{Name: "thumb", MaxWidth: 512, Quality: 0.72}),
	)
	require.NoError(t, err)

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	flush(t, o)
	o.Close() // waits for variant goroutines

	slots := o.Slots()
	require.Len(t, slots, 1)
	assert.Equal(t, SlotStatusUploaded, slots[0].Status)

	var variantEntries int
	for _, e := range rec.Entries() {
		if e.Kind == diag.KindVariant {
			variantEntries++
			assert.True(t, e.NonFatal)
		}
	}
	assert.Equal(t, 1, variantEntries)
}

type failingGenerator struct{}

func (failingGenerator) Generate(ctx context.Context, src io.Reader, spec VariantSpec) ([]byte, error) {
	return nil, fmt.Errorf("decode failed")
}

func TestVariantsUploadedViaDirectEndpoint(t *testing.T) {
	ft := &fakeTransport{}
	o, err := New(ft, WithVariantGenerator(stubGenerator{},
		VariantSpec{Name: "thumb", MaxWidth: 512, Quality: 0.72},
		VariantSpec{Name: "medium", MaxWidth: 1280, Quality: 0.78},
	))
	require.NoError(t, err)

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	flush(t, o)
	o.Close()

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.ElementsMatch(t, []string{"img-up-1_thumb.webp", "img-up-1_medium.webp"}, ft.directs)
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, src io.Reader, spec VariantSpec) ([]byte, error) {
	return []byte("webp bytes"), nil
}

func TestCloseMidFlightWaitsForAbort(t *testing.T) {
	ft := &fakeTransport{putGate: make(chan struct{})} // never released
	o, err := New(ft)
	require.NoError(t, err)

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		slots := o.Slots()
		return len(slots) == 1 && slots[0].Status == SlotStatusUploading
	}, 2*time.Second, 5*time.Millisecond)

	o.Close()

	assert.Equal(t, []string{"up-1"}, ft.abortedIDs(),
		"the cancelled upload's abort must land before Close returns")
}

func TestClosedOrchestratorRejectsWork(t *testing.T) {
	o, err := New(&fakeTransport{})
	require.NoError(t, err)
	o.Close()

	_, err = o.AddImages([]FileHandle{goodFile("a.jpg")})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = o.Retry("x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReleaseFuncCalledForPreviews(t *testing.T) {
	var mu sync.Mutex
	released := map[string]bool{}

	ft := &fakeTransport{}
	o, err := New(ft, WithReleaseFunc(func(previewURL string) {
		mu.Lock()
		released[previewURL] = true
		mu.Unlock()
	}))
	require.NoError(t, err)
	defer o.Close()

	snapshot, err := o.AddImages([]FileHandle{goodFile("a.jpg")})
	require.NoError(t, err)
	preview := snapshot[0].PreviewURL
	require.NotEmpty(t, preview)

	flush(t, o)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, released[preview], "preview must be released after reconciliation")
}
