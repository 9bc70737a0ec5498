package chatstream

import (
	"math"
	"strings"
	"time"
)

// Reasoning markers used by providers that inline thinking in the text stream.
const (
	reasoningOpenMarker  = "<think>"
	reasoningCloseMarker = "</think>"
)

// ReasoningState tracks whether the stream is currently inside a thinking
// segment, its accumulated text, and the measured duration.
//
// Lifecycle: all-false/empty at session creation; opens the first time
// reasoning content is detected; accumulates; closes when the provider signals
// completion or a closing marker appears. Once closed it never reopens within
// the same session (single reasoning phase per turn).
type ReasoningState struct {
	// IsReasoningResponse is true once any reasoning content was seen
	IsReasoningResponse bool

	// ReasoningContent is the accumulated thinking text
	ReasoningContent string

	// InReasoningBlock is true while the block is open
	InReasoningBlock bool

	// ReasoningStartTime is the wall-clock open time (zero until opened)
	ReasoningStartTime time.Time

	// ReasoningDuration is the whole-second open→close delta, set only at
	// closure (nil while open or never opened)
	ReasoningDuration *int

	// carry buffers trailing bytes that could be the start of a split marker
	// (marker-based providers only)
	carry string
}

// Closed reports whether the reasoning block has been opened and closed.
func (s *ReasoningState) Closed() bool {
	return s.ReasoningDuration != nil
}

// open transitions into the reasoning block, once.
func (s *ReasoningState) open(now time.Time) {
	if s.InReasoningBlock || s.Closed() {
		return
	}
	s.InReasoningBlock = true
	s.IsReasoningResponse = true
	s.ReasoningStartTime = now
}

// close ends the reasoning block and computes the duration.
// Closing without ever having opened is a no-op, not an error.
func (s *ReasoningState) close(now time.Time) {
	if !s.InReasoningBlock {
		return
	}
	s.InReasoningBlock = false

	secs := int(math.Round(now.Sub(s.ReasoningStartTime).Seconds()))
	if secs < 0 {
		secs = 0
	}
	s.ReasoningDuration = &secs
}

// ProcessReasoning advances the reasoning state for one chunk and returns the
// new state plus the visible (non-reasoning) remainder of deltaContent.
//
// Two detection strategies:
//   - Field-based: a non-empty reasoningDelta opens/continues the block; its
//     disappearance after having been open (normal content arriving instead)
//     signals closure.
//   - Marker-based: deltaContent is scanned for <think>/</think> markers; text
//     between them is captured into ReasoningContent and never reaches the
//     visible content.
func ProcessReasoning(deltaContent, reasoningDelta string, provider ProviderID, prior ReasoningState, now func() time.Time) (ReasoningState, string) {
	state := prior
	if now == nil {
		now = time.Now
	}

	if provider.UsesReasoningMarkers() {
		return processMarkerReasoning(deltaContent, state, now)
	}

	if reasoningDelta != "" && !state.Closed() {
		state.open(now())
		state.ReasoningContent += reasoningDelta
		return state, deltaContent
	}

	// reasoning stopped and normal content is flowing: the block is done
	if state.InReasoningBlock && deltaContent != "" {
		state.close(now())
	}

	return state, deltaContent
}

// ForceCloseReasoning closes an open reasoning block in response to an
// explicit provider signal (metadata flag or phase transition). Tolerates the
// close arriving without an open.
func ForceCloseReasoning(state ReasoningState, now func() time.Time) ReasoningState {
	if now == nil {
		now = time.Now
	}
	if state.InReasoningBlock {
		// flush any held-back marker bytes into the reasoning text
		if state.carry != "" {
			state.ReasoningContent += state.carry
			state.carry = ""
		}
		state.close(now())
	}
	return state
}

// processMarkerReasoning scans for inline <think> markers. Markers may be
// split across chunks, so up to len(marker)-1 trailing bytes are held back in
// state.carry until the next chunk disambiguates them.
func processMarkerReasoning(deltaContent string, state ReasoningState, now func() time.Time) (ReasoningState, string) {
	if deltaContent == "" && state.carry == "" {
		return state, ""
	}

	buf := state.carry + deltaContent
	state.carry = ""
	var visible strings.Builder

	for {
		if state.InReasoningBlock {
			idx := strings.Index(buf, reasoningCloseMarker)
			if idx >= 0 {
				state.ReasoningContent += buf[:idx]
				state.close(now())
				buf = buf[idx+len(reasoningCloseMarker):]
				continue
			}
			// hold back a potential split closing marker
			keep := partialMarkerSuffix(buf, reasoningCloseMarker)
			state.ReasoningContent += buf[:len(buf)-keep]
			state.carry = buf[len(buf)-keep:]
			return state, visible.String()
		}

		// Once closed, the block never reopens; later markers are literal text.
		if !state.Closed() {
			idx := strings.Index(buf, reasoningOpenMarker)
			if idx >= 0 {
				visible.WriteString(buf[:idx])
				state.open(now())
				buf = buf[idx+len(reasoningOpenMarker):]
				continue
			}
			keep := partialMarkerSuffix(buf, reasoningOpenMarker)
			visible.WriteString(buf[:len(buf)-keep])
			state.carry = buf[len(buf)-keep:]
			return state, visible.String()
		}

		visible.WriteString(buf)
		return state, visible.String()
	}
}

// partialMarkerSuffix returns the length of the longest proper suffix of buf
// that is a prefix of marker (bytes that must be held back for the next chunk).
func partialMarkerSuffix(buf, marker string) int {
	max := len(marker) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, buf[len(buf)-n:]) {
			return n
		}
	}
	return 0
}
