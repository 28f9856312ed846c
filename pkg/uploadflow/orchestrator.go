package uploadflow

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openkiln/uploadflow/pkg/uploadflow/diag"
)

// Orchestrator owns one entity's slot list and the upload queue feeding it.
// All state is instance-local; independent orchestrators (one per open form)
// do not share anything.
//
// The queue is drained by a single background goroutine, so at most one
// upload is in flight system-wide per orchestrator. Queue order is FIFO with
// no reordering.
type Orchestrator struct {
	mu       sync.Mutex
	slots    []ManagedImage
	queue    []queueEntry
	draining bool
	closed   bool
	cancels  map[Token]context.CancelFunc
	waiters  []chan struct{}

	transport    Transport
	variants     VariantGenerator
	variantSpecs []VariantSpec
	recorder     *diag.Recorder
	timeout      time.Duration
	maxSlots     int
	preview      func(slotID string, f FileHandle) string
	release      func(previewURL string)

	// background covers the drain loop, abort calls, and variant
	// generation so Close can wait for them. The drain goroutine holds a
	// count for its whole lifetime, which keeps the counter nonzero while
	// a cancelled upload is still spawning its abort.
	background sync.WaitGroup
}

type queueEntry struct {
	slotID    string
	token     Token
	file      FileHandle
	mime      string
	requestID string
	probe     ProbeResult
}

// New creates an orchestrator around the given transport.
func New(transport Transport, opts ...Option) (*Orchestrator, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	o := &Orchestrator{
		transport:    transport,
		variantSpecs: DefaultVariantSpecs,
		recorder:     diag.NewRecorder(false),
		timeout:      DefaultUploadTimeout,
		maxSlots:     MaxSlots,
		cancels:      make(map[Token]context.CancelFunc),
	}
	o.preview = func(slotID string, _ FileHandle) string {
		return PreviewScheme + slotID
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Slots returns a snapshot of the current slot list.
func (o *Orchestrator) Slots() []ManagedImage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneSlots(o.slots)
}

// AddImages appends files to the first available slots. See AddImagesAt.
func (o *Orchestrator) AddImages(files []FileHandle) ([]ManagedImage, error) {
	return o.AddImagesAt(files, -1)
}

// AddImagesAt assigns files to slots and queues the admissible ones for
// upload. When targetSlot addresses an existing slot, the first file replaces
// it (cancelling any in-flight upload for that slot); remaining files are
// appended. A batch larger than the remaining capacity is truncated to fit
// the slot cap: the files that fit are admitted and the overflow is reported
// with MAX_IMAGES alongside the snapshot. Adding to an already-full list is
// rejected outright.
//
// Preflight failures (readiness probe, file type) never reach the network:
// the file's slot is created directly in the error state. The returned
// snapshot reflects all slot changes synchronously; uploads proceed in the
// background.
func (o *Orchestrator) AddImagesAt(files []FileHandle, targetSlot int) ([]ManagedImage, error) {
	if len(files) == 0 {
		return nil, NewUploadError(CodeNoFiles, "No files were provided.")
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}

	replacing := targetSlot >= 0 && targetSlot < len(o.slots)
	capacity := o.maxSlots - len(o.slots)
	if replacing {
		capacity++
	}
	if capacity <= 0 {
		o.mu.Unlock()
		return nil, NewUploadError(CodeMaxImages,
			fmt.Sprintf("Up to %d images are allowed. Remove one and retry.", o.maxSlots))
	}

	var capErr error
	if len(files) > capacity {
		skipped := len(files) - capacity
		files = files[:capacity]
		capErr = NewUploadError(CodeMaxImages,
			fmt.Sprintf("Up to %d images are allowed. %d file(s) were skipped.", o.maxSlots, skipped))
		o.trace(diag.Entry{
			Kind:  diag.KindTrace,
			Stage: "preflight",
			Code:  string(CodeMaxImages),
		})
	}

	var pending []queueEntry
	for i, f := range files {
		slot, entry := o.buildSlotLocked(f)
		if replacing && i == 0 {
			o.replaceSlotLocked(targetSlot, slot)
		} else {
			o.slots = append(o.slots, slot)
		}
		if entry != nil {
			pending = append(pending, *entry)
		}
	}
	normalizePrimary(o.slots)
	o.queue = append(o.queue, pending...)
	o.startDrainLocked()
	snapshot := cloneSlots(o.slots)
	o.mu.Unlock()

	return snapshot, capErr
}

// buildSlotLocked runs preflight for one file and returns the resulting slot
// plus, when the file is admissible, its queue entry.
func (o *Orchestrator) buildSlotLocked(f FileHandle) (ManagedImage, *queueEntry) {
	slot := ManagedImage{
		ID:     uuid.NewString(),
		File:   f,
		Status: SlotStatusError,
	}

	probe := ProbeFile(f)
	if !probe.OK {
		slot.Err = probeError(probe)
		o.captureDetail(&slot, probe.Detail)
		o.trace(diag.Entry{
			Kind:     diag.KindTrace,
			Stage:    "preflight",
			FileName: fileName(f),
			Code:     string(probe.Code),
			Probe:    probeSummary(probe),
		})
		return slot, nil
	}

	mime, verr := ValidateFileType(f.Name(), f.DeclaredMIME())
	if verr != nil {
		slot.Err = verr
		o.trace(diag.Entry{
			Kind:     diag.KindTrace,
			Stage:    "preflight",
			FileName: f.Name(),
			Code:     string(verr.Code),
		})
		return slot, nil
	}

	slot.Status = SlotStatusQueued
	slot.MIMEType = mime
	slot.Token = NewToken()
	slot.PreviewURL = o.preview(slot.ID, f)
	slot.URL = slot.PreviewURL

	entry := &queueEntry{
		slotID:    slot.ID,
		token:     slot.Token,
		file:      f,
		mime:      mime,
		requestID: uuid.NewString(),
		probe:     probe,
	}
	o.trace(diag.Entry{
		Kind:      diag.KindTrace,
		Stage:     "queued",
		RequestID: entry.requestID,
		FileName:  f.Name(),
		SizeBytes: f.Size(),
		Probe:     probeSummary(probe),
	})
	return slot, entry
}

// replaceSlotLocked swaps the slot at index for a new assignment, cancelling
// any in-flight upload for the old one and releasing its preview.
func (o *Orchestrator) replaceSlotLocked(index int, slot ManagedImage) {
	old := o.slots[index]
	o.cancelTokenLocked(old.Token)
	o.releasePreview(old.PreviewURL)
	if old.Status == SlotStatusUploading && old.UploadID != "" {
		o.abortAsync(old.UploadID)
	}
	slot.IsPrimary = old.IsPrimary
	o.slots[index] = slot
}

// Remove deletes a slot. An in-flight upload for it is cancelled and the
// server-side partial upload is aborted best-effort; the eventual stale
// completion is discarded by the token check. Removing an unknown id is a
// no-op.
func (o *Orchestrator) Remove(slotID string) {
	o.mu.Lock()
	idx := slotIndexByID(o.slots, slotID)
	if idx < 0 {
		o.mu.Unlock()
		return
	}
	slot := o.slots[idx]
	o.cancelTokenLocked(slot.Token)
	o.releasePreview(slot.PreviewURL)
	o.slots = append(o.slots[:idx], o.slots[idx+1:]...)
	normalizePrimary(o.slots)
	uploadID := slot.UploadID
	o.mu.Unlock()

	if uploadID != "" {
		o.abortAsync(uploadID)
	}
}

// Retry re-queues a failed slot whose original file is still attached. The
// slot gets a fresh token and preview; any echo of the previous attempt is
// cancelled. Preflight runs again, so a file that has since become readable
// (for example, finished downloading from cloud storage) can succeed.
func (o *Orchestrator) Retry(slotID string) ([]ManagedImage, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	idx := slotIndexByID(o.slots, slotID)
	if idx < 0 {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: slot %q not found", ErrRetryUnavailable, slotID)
	}
	slot := o.slots[idx]
	if slot.Status != SlotStatusError || slot.File == nil {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: slot %q has no pending file", ErrRetryUnavailable, slotID)
	}

	o.cancelTokenLocked(slot.Token)
	o.releasePreview(slot.PreviewURL)
	fresh, entry := o.buildSlotLocked(slot.File)
	fresh.ID = slot.ID
	fresh.IsPrimary = slot.IsPrimary
	if entry != nil {
		entry.slotID = slot.ID
	}
	o.slots[idx] = fresh
	if entry != nil {
		o.queue = append(o.queue, *entry)
		o.startDrainLocked()
	}
	snapshot := cloneSlots(o.slots)
	o.mu.Unlock()
	return snapshot, nil
}

// SetPrimary marks the given slot primary, clearing the flag elsewhere.
func (o *Orchestrator) SetPrimary(slotID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := slotIndexByID(o.slots, slotID)
	if idx < 0 {
		return fmt.Errorf("slot %q not found", slotID)
	}
	for i := range o.slots {
		o.slots[i].IsPrimary = i == idx
	}
	return nil
}

// SavePayload derives the persistable image list from the current slots.
func (o *Orchestrator) SavePayload() ([]SavedImage, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return BuildSavePayload(o.slots)
}

// Flush blocks until the upload queue is fully drained or ctx is done.
// Fire-and-forget variant work is not covered; use Close for that.
func (o *Orchestrator) Flush(ctx context.Context) error {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 && !o.draining {
			o.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		o.waiters = append(o.waiters, ch)
		o.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close cancels all in-flight work, releases remaining previews, and waits
// for background aborts and variant uploads to finish. The orchestrator
// accepts no new work afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.queue = nil
	for _, cancel := range o.cancels {
		cancel()
	}
	for i := range o.slots {
		o.releasePreview(o.slots[i].PreviewURL)
	}
	o.mu.Unlock()

	o.background.Wait()
}

// Queue draining

func (o *Orchestrator) startDrainLocked() {
	if o.draining || o.closed || len(o.queue) == 0 {
		return
	}
	o.draining = true
	o.background.Add(1)
	go o.drain()
}

// drain processes queue entries strictly one at a time. A second drain is
// never started while one is active, which caps upload concurrency at 1.
func (o *Orchestrator) drain() {
	defer o.background.Done()
	for {
		o.mu.Lock()
		if o.closed || len(o.queue) == 0 {
			o.draining = false
			o.notifyIdleLocked()
			o.mu.Unlock()
			return
		}
		entry := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.process(entry)
	}
}

func (o *Orchestrator) notifyIdleLocked() {
	for _, ch := range o.waiters {
		close(ch)
	}
	o.waiters = nil
}

// process runs one queued upload through init, put, and confirm, verifying
// slot freshness at every phase boundary. The token check catches staleness
// even for phases that never observe the cancellation signal directly.
func (o *Orchestrator) process(entry queueEntry) {
	if !o.tokenLive(entry.token) {
		return
	}
	o.patchSlot(entry.token, func(s *ManagedImage) {
		s.Status = SlotStatusUploading
	})

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	o.setCancel(entry.token, cancel)
	defer o.clearCancel(entry.token)

	o.trace(diag.Entry{Kind: diag.KindTrace, Stage: StageInit, RequestID: entry.requestID, FileName: entry.file.Name()})
	initRes, err := o.transport.Init(ctx, InitRequest{
		RequestID: entry.requestID,
		FileName:  entry.file.Name(),
		MIMEType:  entry.mime,
		SizeBytes: entry.file.Size(),
	})
	if err != nil {
		o.failSlot(entry, "", Classify(StageInit, err))
		return
	}
	if !o.tokenLive(entry.token) {
		o.abortAsync(initRes.UploadID)
		return
	}
	o.patchSlot(entry.token, func(s *ManagedImage) {
		s.UploadID = initRes.UploadID
	})

	rc, err := entry.file.Open()
	if err != nil {
		o.failSlot(entry, initRes.UploadID, Classify(StagePut, err))
		return
	}
	o.trace(diag.Entry{Kind: diag.KindTrace, Stage: StagePut, RequestID: entry.requestID})
	err = o.transport.Put(ctx, PutRequest{
		RequestID: entry.requestID,
		UploadID:  initRes.UploadID,
		PutURL:    initRes.PutURL,
		MIMEType:  entry.mime,
		Body:      rc,
	})
	rc.Close()
	if err != nil {
		o.failSlot(entry, initRes.UploadID, Classify(StagePut, err))
		return
	}
	if !o.tokenLive(entry.token) {
		o.abortAsync(initRes.UploadID)
		return
	}

	o.trace(diag.Entry{Kind: diag.KindTrace, Stage: StageConfirm, RequestID: entry.requestID})
	img, err := o.transport.Confirm(ctx, ConfirmRequest{
		RequestID: entry.requestID,
		UploadID:  initRes.UploadID,
	})
	if err != nil {
		o.failSlot(entry, initRes.UploadID, Classify(StageConfirm, err))
		return
	}

	o.completeSlot(entry, initRes.UploadID, img)
}

// tokenLive reports whether any slot still carries the token.
func (o *Orchestrator) tokenLive(token Token) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slotIndexByToken(o.slots, token) >= 0
}

func (o *Orchestrator) patchSlot(token Token, fn func(*ManagedImage)) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx := slotIndexByToken(o.slots, token)
	if idx < 0 {
		return false
	}
	fn(&o.slots[idx])
	return true
}

// completeSlot reconciles a successful upload into its slot. A stale token
// makes this a no-op, so a duplicate or orphaned completion cannot
// double-apply state; the orphaned server-side upload is aborted instead.
func (o *Orchestrator) completeSlot(entry queueEntry, uploadID string, img *StoredImage) {
	applied := o.patchSlot(entry.token, func(s *ManagedImage) {
		o.releasePreview(s.PreviewURL)
		s.URL = img.URL
		s.ImageID = img.ID
		s.File = nil
		s.PreviewURL = ""
		s.UploadID = ""
		s.Status = SlotStatusUploaded
		s.Err = nil
		s.Detail = ""
	})
	if !applied {
		o.abortAsync(uploadID)
		return
	}
	o.recorder.Append(diag.Entry{
		Kind:      diag.KindAttempt,
		Stage:     StageConfirm,
		RequestID: entry.requestID,
		FileName:  entry.file.Name(),
		SizeBytes: entry.file.Size(),
		Probe:     probeSummary(entry.probe),
	})

	if o.variants != nil {
		o.background.Add(1)
		go o.generateVariants(entry, img)
	}
}

// failSlot records a classified failure into the slot. Cancellation is
// silent unless it came from the timeout: a removed or replaced slot has a
// stale token anyway, so the patch is a natural no-op.
func (o *Orchestrator) failSlot(entry queueEntry, uploadID string, ue *UploadError) {
	if uploadID != "" {
		o.abortAsync(uploadID)
	}
	if ue.Code == CodeUploadAborted {
		return
	}
	o.patchSlot(entry.token, func(s *ManagedImage) {
		s.Status = SlotStatusError
		s.UploadID = ""
		s.Err = ue
		o.captureDetail(s, ue.Detail)
	})
	o.recorder.Append(diag.Entry{
		Kind:      diag.KindAttempt,
		Stage:     ue.Stage,
		RequestID: entry.requestID,
		FileName:  entry.file.Name(),
		SizeBytes: entry.file.Size(),
		Status:    ue.Status,
		Snippet:   ue.Snippet,
		Code:      string(ue.Code),
		Detail:    ue.Detail,
		Probe:     probeSummary(entry.probe),
	})
}

// generateVariants derives and uploads the configured renditions. This work
// is best-effort: failures are recorded as non-fatal diagnostics and never
// touch the originating slot.
func (o *Orchestrator) generateVariants(entry queueEntry, img *StoredImage) {
	defer o.background.Done()
	for _, spec := range o.variantSpecs {
		if err := o.uploadVariant(entry, img, spec); err != nil {
			ue := Classify(StageDirect, err)
			o.recorder.Append(diag.Entry{
				Kind:      diag.KindVariant,
				Stage:     spec.Name,
				RequestID: entry.requestID,
				FileName:  entry.file.Name(),
				Code:      string(ue.Code),
				Detail:    ue.Detail,
				NonFatal:  true,
			})
		}
	}
}

func (o *Orchestrator) uploadVariant(entry queueEntry, img *StoredImage, spec VariantSpec) error {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	rc, err := entry.file.Open()
	if err != nil {
		return err
	}
	data, err := o.variants.Generate(ctx, rc, spec)
	rc.Close()
	if err != nil {
		return err
	}

	_, err = o.transport.UploadDirect(ctx, DirectUploadRequest{
		RequestID: entry.requestID,
		FileName:  variantFileName(img.ID, spec.Name),
		MIMEType:  "image/webp",
		Body:      bytes.NewReader(data),
	})
	return err
}

// abortAsync issues a best-effort server-side abort without blocking the
// drain loop. Abort errors are swallowed; the janitor on the server side
// reaps anything this misses.
func (o *Orchestrator) abortAsync(uploadID string) {
	if uploadID == "" {
		return
	}
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = o.transport.Abort(ctx, uploadID)
	}()
}

// Cancellation bookkeeping

func (o *Orchestrator) setCancel(token Token, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancels[token] = cancel
}

func (o *Orchestrator) clearCancel(token Token) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancels, token)
}

func (o *Orchestrator) cancelTokenLocked(token Token) {
	if token == "" {
		return
	}
	if cancel, ok := o.cancels[token]; ok {
		cancel()
		delete(o.cancels, token)
	}
}

// Preview release

func (o *Orchestrator) releasePreview(previewURL string) {
	if previewURL == "" || o.release == nil {
		return
	}
	o.release(previewURL)
}

// Diagnostics helpers

func (o *Orchestrator) trace(e diag.Entry) {
	o.recorder.Append(e)
}

func (o *Orchestrator) captureDetail(s *ManagedImage, detail string) {
	if detail != "" && o.recorder.Enabled() {
		s.Detail = detail
	}
}

func probeSummary(res ProbeResult) string {
	if res.OK {
		return fmt.Sprintf("ok:%d", res.BytesRead)
	}
	return string(res.Code)
}

func fileName(f FileHandle) string {
	if f == nil {
		return ""
	}
	return f.Name()
}

func variantFileName(imageID, variant string) string {
	return fmt.Sprintf("%s_%s.webp", imageID, variant)
}

