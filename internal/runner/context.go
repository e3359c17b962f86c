package runner

import (
	"fmt"
	"strings"

	"featurectl/internal/store"
)

// noteContextLimit bounds the notes injected into the session prompt
// (spec.md §4.5 step 3: "the most-recent 10 notes").
const noteContextLimit = 10

// assembleContext builds the bounded per-session prompt described in
// spec.md §4.5 step 3. Feature-scoped notes are deliberately excluded —
// the agent retrieves those on demand via get_notes.
func assembleContext(batch []*store.Feature, stats *store.KanbanStats, notes []*store.Note, port int) string {
	var b strings.Builder

	category := ""
	if len(batch) > 0 {
		category = batch[0].Category
	}

	fmt.Fprintf(&b, "Category: %s\n", category)
	fmt.Fprintf(&b, "Features in this batch:\n")
	for _, f := range batch {
		fmt.Fprintf(&b, "  %d: %s\n", f.ID, f.Name)
	}

	fmt.Fprintf(&b, "\nGlobal progress: pending=%d in_progress=%d completed=%d failed=%d\n",
		stats.Global.Pending, stats.Global.InProgress, stats.Global.Completed, stats.Global.Failed)

	if len(notes) > noteContextLimit {
		notes = notes[:noteContextLimit]
	}
	fmt.Fprintf(&b, "\nRecent notes (category or global scope):\n")
	if len(notes) == 0 {
		fmt.Fprintf(&b, "  (none)\n")
	}
	for _, n := range notes {
		fmt.Fprintf(&b, "  [%s] %s\n", n.Scope, n.Content)
	}

	fmt.Fprintf(&b, "\nDev server port: %d\n", port)

	if len(batch) > 0 {
		fmt.Fprintf(&b, "\nBegin with feature %d (%s). Mark it in_progress before starting and completed once verified.\n",
			batch[0].ID, batch[0].Name)
	}

	return b.String()
}
