package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Sameersah/talknshop/internal/domain"
)

// Limits on how much of the image analysis is folded into a prompt.
const (
	maxImageLabels = 10
	maxImageText   = 5
)

// MediaDecision is the reply expected for NeedMediaOpsPrompt.
type MediaDecision struct {
	NeedSTT    bool   `json:"need_stt"`
	NeedVision bool   `json:"need_vision"`
	Reasoning  string `json:"reasoning"`
}

// ClarifyDecision is the reply expected for NeedClarifyPrompt.
type ClarifyDecision struct {
	NeedsClarification bool    `json:"needs_clarification"`
	Reason             string  `json:"reason"`
	Confidence         float64 `json:"confidence"`
}

// ClarifyingQuestion is the reply expected for AskClarifyingQuestionPrompt.
type ClarifyingQuestion struct {
	Question    string   `json:"question"`
	Suggestions []string `json:"suggestions"`
	Context     string   `json:"context"`
}

// NeedMediaOpsPrompt asks whether the attached media must be processed
// before the request can be understood.
func NeedMediaOpsPrompt(message string, media []domain.MediaRef) string {
	var b strings.Builder
	b.WriteString("You help a shopping assistant decide which attachments to process before searching.\n\n")
	fmt.Fprintf(&b, "Shopper message: %s\n\n", message)
	fmt.Fprintf(&b, "Attachments: %s\n\n", FormatMediaInfo(media))
	b.WriteString(`Decide:
- need_stt: audio is attached and must be transcribed to know what the shopper asked for.
- need_vision: an image is attached and it likely shows the product or details the text leaves out.
Skip processing when the text alone already says what to look for.

Reply with JSON only:
{"need_stt": false, "need_vision": false, "reasoning": "one short sentence"}
`)
	return b.String()
}

// BuildRequirementPrompt asks for the structured requirement implied by the
// latest turn, merged with the requirement collected so far.
func BuildRequirementPrompt(message string, transcript *string, attrs *domain.ImageAttributes, current *domain.Requirement) string {
	var b strings.Builder
	b.WriteString("Turn a shopper's request into a structured product search.\n\n")
	fmt.Fprintf(&b, "Shopper message: %s\n", message)
	b.WriteString(FormatTranscript(transcript))
	b.WriteString(FormatImageAttributes(attrs))
	fmt.Fprintf(&b, "\nRequirement collected so far: %s\n\n", FormatRequirement(current))
	b.WriteString(`Extract the product type, concrete attributes (size, color, memory, material and so on),
budget, minimum rating, condition and preferred brands.

When a requirement already exists, refine it: keep every earlier value the shopper did not
contradict and add the new details. Leave out anything you would have to guess.

Reply with JSON only, for example:
{
  "product_type": "laptop",
  "attributes": {"ram": "16gb", "screen_size": "15 inch"},
  "price": {"max": 1200, "currency": "USD"},
  "brand_preferences": ["Dell", "Lenovo"],
  "rating_min": 4.0,
  "condition": "new"
}
`)
	return b.String()
}

// NeedClarifyPrompt asks whether the requirement is specific enough to
// search.
func NeedClarifyPrompt(req *domain.Requirement, count, limit int) string {
	var b strings.Builder
	b.WriteString("Judge whether a product search can start with what the shopper has told us.\n\n")
	fmt.Fprintf(&b, "Requirement:\n%s\n\n", FormatRequirement(req))
	fmt.Fprintf(&b, "Clarifying questions already asked: %d of at most %d.\n\n", count, limit)
	b.WriteString(`A search needs a clear product type and at least one constraint such as a budget,
a brand or a key feature. Prefer searching when the shopper has been reasonably specific,
and never ask again once the limit is reached.

Reply with JSON only:
{"needs_clarification": false, "reason": "one short sentence", "confidence": 0.8}
`)
	return b.String()
}

// AskClarifyingQuestionPrompt asks for a single follow-up question that
// fills the most important gap.
func AskClarifyingQuestionPrompt(message string, req *domain.Requirement, reason string, count, limit int) string {
	var b strings.Builder
	b.WriteString("You are a friendly shopping assistant. Ask the shopper one follow-up question.\n\n")
	fmt.Fprintf(&b, "Shopper message: %s\n", message)
	fmt.Fprintf(&b, "Requirement so far: %s\n", FormatRequirement(req))
	fmt.Fprintf(&b, "What is missing: %s\n", reason)
	fmt.Fprintf(&b, "This is question %d of at most %d.\n\n", count+1, limit)
	b.WriteString(`Ask about the most important gap first: product type, then budget, then a key feature.
Keep it short and conversational, ask exactly one thing and offer a few example answers.

Reply with JSON only:
{"question": "What's your budget?", "suggestions": ["Under $500", "$500-$1000", "Over $1000"], "context": "why this helps"}
`)
	return b.String()
}

// FormatMediaInfo summarizes the attachment types.
func FormatMediaInfo(media []domain.MediaRef) string {
	if len(media) == 0 {
		return "none"
	}
	types := make([]string, len(media))
	for i, m := range media {
		types[i] = string(m.MediaType)
	}
	return fmt.Sprintf("%s (%d files)", strings.Join(types, ", "), len(media))
}

// FormatTranscript renders the audio transcript section, or nothing.
func FormatTranscript(transcript *string) string {
	if transcript == nil || strings.TrimSpace(*transcript) == "" {
		return ""
	}
	return "\nTranscribed audio:\n" + strings.TrimSpace(*transcript) + "\n"
}

// FormatImageAttributes renders the first labels and OCR lines of an image
// analysis, or nothing.
func FormatImageAttributes(attrs *domain.ImageAttributes) string {
	if attrs == nil {
		return ""
	}
	var parts []string
	if len(attrs.Labels) > 0 {
		parts = append(parts, "Labels: "+strings.Join(attrs.Labels[:min(len(attrs.Labels), maxImageLabels)], ", "))
	}
	if len(attrs.Text) > 0 {
		parts = append(parts, "Text in image: "+strings.Join(attrs.Text[:min(len(attrs.Text), maxImageText)], ", "))
	}
	if len(parts) == 0 {
		return ""
	}
	return "\nImage analysis:\n" + strings.Join(parts, "\n") + "\n"
}

// FormatRequirement renders req as indented JSON.
func FormatRequirement(req *domain.Requirement) string {
	if req == nil {
		return "None (this is the first extraction)"
	}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return "None (this is the first extraction)"
	}
	return string(data)
}
