package audit

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/verdict/internal/gate"
)

const maxPayloadPreview = 600

// RenderPrompt builds the human-readable review artifact for a pending
// record: a summary of the signal, the confidence breakdown against the
// thresholds in force, the gate's reasons, any compliance anchors and a
// space for the reviewer's correction.
func RenderPrompt(sig gate.Signal, d gate.Decision) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Review %s\n\n", sig.ID)
	fmt.Fprintf(&b, "Category: %s\n", sig.Category)
	if !sig.Timestamp.IsZero() {
		fmt.Fprintf(&b, "Received: %s\n", sig.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if sig.PublishBound {
		b.WriteString("Publish-bound: yes\n")
	}
	if payload := strings.TrimSpace(sig.Payload); payload != "" {
		if r := []rune(payload); len(r) > maxPayloadPreview {
			payload = string(r[:maxPayloadPreview]) + "..."
		}
		b.WriteString("\n## Signal\n\n")
		for _, line := range strings.Split(payload, "\n") {
			b.WriteString("> " + line + "\n")
		}
	}

	b.WriteString("\n## Confidence\n\n")
	b.WriteString("| category | confidence | baseline | block | auto | mark |\n")
	b.WriteString("|---|---|---|---|---|---|\n")
	for _, cat := range sig.Categories() {
		c := sig.Confidences[cat]
		t := d.Thresholds[cat]
		name := cat
		if sig.IsGovernance(cat) {
			name += " (governance)"
		}
		fmt.Fprintf(&b, "| %s | %.2f | %.2f | %.2f | %.2f | %s |\n", name, c, t.Baseline, t.Block, t.Auto, mark(c, t))
	}

	if len(d.Reasons) > 0 {
		b.WriteString("\n## Why this needs review\n\n")
		for _, r := range d.Reasons {
			b.WriteString("- " + r + "\n")
		}
	}

	if len(d.Compliance) > 0 {
		b.WriteString("\n## Compliance anchors\n\n")
		for _, m := range d.Compliance {
			fmt.Fprintf(&b, "- %q [%s, %s/%s] at %d\n", m.Term, m.Tier, m.ModuleID, m.Domain, m.Position)
		}
	}

	b.WriteString("\n## Correction\n\n")
	b.WriteString("Confirm the decision as-is, or describe what was wrong: the corrected\n")
	b.WriteString("classification, per-category deltas, and an accuracy score (0.0-1.0)\n")
	b.WriteString("for each category above.\n\n")
	b.WriteString("correction: \n")
	b.WriteString("accuracy_scores: \n")
	b.WriteString("rationale: \n")
	return b.String()
}

func mark(c float64, t gate.Thresholds) string {
	switch {
	case c < t.Block:
		return "below block"
	case c < t.Auto:
		return "review band"
	default:
		return "ok"
	}
}
