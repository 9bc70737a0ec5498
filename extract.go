package chatstream

import "github.com/tidwall/gjson"

// ExtractDeltaContent pulls the text and reasoning fragments out of one chunk.
// Pure function; no accumulated state.
//
// Wire paths are checked in priority order:
//  1. choices[0].delta.content / choices[0].delta.reasoning_content (primary)
//  2. choices[0].delta.text (legacy)
//  3. bare top-level content (legacy)
//
// A chunk carrying none of these (e.g. tool-call-only chunks) yields empty
// strings, not an error.
func ExtractDeltaContent(d *ProviderDelta) (content, reasoning string) {
	if d == nil {
		return "", ""
	}

	if len(d.Choices) > 0 {
		delta := d.Choices[0].Delta
		if delta.Content != nil {
			content = *delta.Content
		}
		if delta.ReasoningContent != nil {
			reasoning = *delta.ReasoningContent
		}
	}

	if content == "" && len(d.Raw) > 0 {
		if v := gjson.GetBytes(d.Raw, "choices.0.delta.text"); v.Exists() {
			content = v.String()
		} else if v := gjson.GetBytes(d.Raw, "content"); v.Exists() && v.Type == gjson.String {
			content = v.String()
		}
	}

	return content, reasoning
}

// ReasoningMetadata carries out-of-band reasoning signals some providers
// attach to chunk metadata instead of the delta itself.
type ReasoningMetadata struct {
	// Complete is true when the provider declares the reasoning phase over
	Complete bool

	// TokenCount is the provider-reported reasoning token count (0 if absent)
	TokenCount int

	// Seconds is the provider-reported reasoning duration (0 if absent)
	Seconds float64

	// Transition names a phase transition (e.g. "answering") when present
	Transition string
}

// ClosesReasoning reports whether this metadata should force-close an open
// reasoning block.
func (m *ReasoningMetadata) ClosesReasoning() bool {
	return m != nil && (m.Complete || m.Transition != "")
}

// ExtractReasoningMetadata looks for reasoning signals in either the nested
// delta metadata or a top-level metadata field. Returns nil when no signal is
// present.
func ExtractReasoningMetadata(d *ProviderDelta) *ReasoningMetadata {
	if d == nil || len(d.Raw) == 0 {
		return nil
	}

	for _, path := range []string{"choices.0.delta.metadata", "metadata"} {
		meta := gjson.GetBytes(d.Raw, path)
		if !meta.Exists() || !meta.IsObject() {
			continue
		}

		complete := meta.Get("reasoning_complete")
		tokens := meta.Get("reasoning_token_count")
		seconds := meta.Get("reasoning_seconds")
		transition := meta.Get("reasoning_transition")

		if !complete.Exists() && !tokens.Exists() && !seconds.Exists() && !transition.Exists() {
			continue
		}

		return &ReasoningMetadata{
			Complete:   complete.Bool(),
			TokenCount: int(tokens.Int()),
			Seconds:    seconds.Float(),
			Transition: transition.String(),
		}
	}

	return nil
}
