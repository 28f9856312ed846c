package uploadflow

import (
	"time"

	"github.com/openkiln/uploadflow/pkg/uploadflow/diag"
)

// DefaultUploadTimeout bounds each queued upload wall-clock.
const DefaultUploadTimeout = 60 * time.Second

// Option represents a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithUploadTimeout overrides the per-upload wall-clock timeout.
func WithUploadTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRecorder attaches a diagnostics recorder. Debug detail is captured
// into slot state and the ring buffer only while the recorder is enabled.
func WithRecorder(r *diag.Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithVariantGenerator enables fire-and-forget variant generation after each
// successful original upload. With no explicit specs, DefaultVariantSpecs
// apply.
func WithVariantGenerator(g VariantGenerator, specs ...VariantSpec) Option {
	return func(o *Orchestrator) {
		o.variants = g
		if len(specs) > 0 {
			o.variantSpecs = specs
		}
	}
}

// WithSlotLimit overrides the slot cap. The default is MaxSlots.
func WithSlotLimit(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxSlots = n
		}
	}
}

// WithPreviewFunc overrides how local preview references are issued for
// newly assigned files.
func WithPreviewFunc(fn func(slotID string, f FileHandle) string) Option {
	return func(o *Orchestrator) {
		o.preview = fn
	}
}

// WithReleaseFunc registers a callback invoked whenever a preview reference
// is superseded or its slot is removed, so the embedding surface can revoke
// the underlying resource. The callback may run with internal locks held and
// must not call back into the orchestrator.
func WithReleaseFunc(fn func(previewURL string)) Option {
	return func(o *Orchestrator) {
		o.release = fn
	}
}
