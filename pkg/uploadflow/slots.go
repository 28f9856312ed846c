package uploadflow

import "fmt"

// MaxSlots is the cap on managed images per entity.
const MaxSlots = 4

// normalizePrimary restores the single-primary invariant: among non-empty
// slots exactly one carries IsPrimary, and removal of the primary promotes
// the first remaining slot.
func normalizePrimary(slots []ManagedImage) {
	seen := false
	for i := range slots {
		if slots[i].IsPrimary {
			if seen {
				slots[i].IsPrimary = false
			}
			seen = true
		}
	}
	if !seen && len(slots) > 0 {
		slots[0].IsPrimary = true
	}
}

// slotIndexByID returns the index of the slot with the given local id, or -1.
func slotIndexByID(slots []ManagedImage, id string) int {
	for i := range slots {
		if slots[i].ID == id {
			return i
		}
	}
	return -1
}

// slotIndexByToken returns the index of the slot currently carrying token,
// or -1. A missing token means the work that carried it is stale.
func slotIndexByToken(slots []ManagedImage, token Token) int {
	for i := range slots {
		if slots[i].Token == token {
			return i
		}
	}
	return -1
}

// cloneSlots returns a copy safe to hand to callers.
func cloneSlots(slots []ManagedImage) []ManagedImage {
	out := make([]ManagedImage, len(slots))
	copy(out, slots)
	return out
}

// transientURL reports whether a URL is a local or embedded reference that
// must never be persisted.
func transientURL(url string) bool {
	if url == "" {
		return true
	}
	for _, prefix := range []string{PreviewScheme, "blob:", "data:"} {
		if len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// BuildSavePayload reduces a slot list to the payload the owning form
// persists. Slots still uploading or in error block the save outright. The
// primary image is promoted to the front, duplicate URLs are dropped, and
// any transient URL shape is rejected as a defensive invariant.
func BuildSavePayload(slots []ManagedImage) ([]SavedImage, error) {
	for i := range slots {
		s := &slots[i]
		if s.Uploading() {
			return nil, fmt.Errorf("%w: %q has not finished", ErrUploadsInProgress, s.ID)
		}
		if s.Status == SlotStatusError {
			return nil, fmt.Errorf("%w: remove or retry %q first", ErrSlotFailed, s.ID)
		}
	}

	seen := make(map[string]int, len(slots))
	var payload []SavedImage
	for i := range slots {
		s := &slots[i]
		if transientURL(s.URL) {
			return nil, fmt.Errorf("%w: %q", ErrTransientURL, s.URL)
		}
		if idx, ok := seen[s.URL]; ok {
			// Duplicates collapse into the kept entry; the primary flag
			// survives the collapse.
			if s.IsPrimary {
				payload[idx].IsPrimary = true
			}
			continue
		}
		seen[s.URL] = len(payload)
		payload = append(payload, SavedImage{URL: s.URL, ImageID: s.ImageID, IsPrimary: s.IsPrimary})
	}
	for i := range payload {
		if payload[i].IsPrimary && i > 0 {
			img := payload[i]
			payload = append(payload[:i], payload[i+1:]...)
			payload = append([]SavedImage{img}, payload...)
			break
		}
	}
	return payload, nil
}
