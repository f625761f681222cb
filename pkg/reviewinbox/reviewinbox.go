// Package reviewinbox writes the append-only Markdown review inbox that
// conflict resolution falls back to whenever two active facts can't be
// reconciled automatically (spec.md §4.4 step 4, "Flag" resolution).
package reviewinbox

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one flagged conflict, rendered as a single Markdown block.
type Entry struct {
	OldFactID         uuid.UUID
	NewFactID         uuid.UUID
	Subject           string
	Predicate         string
	OldStatement      string
	NewStatement      string
	OldConfidence     float64
	NewConfidence     float64
	SimilarityNote    string // optional observability annotation, e.g. a Jaro-Winkler score
	FlaggedAt         time.Time
}

// Inbox appends conflict entries to a single Markdown file. Safe for
// concurrent use: writes are serialized behind a mutex, matching the
// single-writer append-only nature of the file.
type Inbox struct {
	path string
	mu   sync.Mutex
}

// New returns an Inbox writing to path. The file is created on first Append
// if it does not already exist.
func New(path string) *Inbox {
	return &Inbox{path: path}
}

// Append writes e as one Markdown block to the inbox file, creating it (with
// a header) if it doesn't yet exist.
func (b *Inbox) Append(e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reviewinbox: open %q: %w", b.path, err)
	}
	defer f.Close()

	if info, statErr := f.Stat(); statErr == nil && info.Size() == 0 {
		if _, err := f.WriteString("# Ethos Conflict Review Inbox\n\nEach block below is a pair of facts the consolidation loop could not reconcile automatically. Resolve by pruning or superseding one side (operator action, not performed by the engine).\n\n"); err != nil {
			return fmt.Errorf("reviewinbox: write header: %w", err)
		}
	}

	if _, err := f.WriteString(renderEntry(e)); err != nil {
		return fmt.Errorf("reviewinbox: append entry: %w", err)
	}
	return nil
}

func renderEntry(e Entry) string {
	s := fmt.Sprintf(
		"## Conflict: (%s, %s)\n\n- **Flagged at**: %s\n- **Existing fact** `%s` (confidence %.2f): %s\n- **New fact** `%s` (confidence %.2f): %s\n",
		e.Subject, e.Predicate,
		e.FlaggedAt.UTC().Format(time.RFC3339Nano),
		e.OldFactID, e.OldConfidence, e.OldStatement,
		e.NewFactID, e.NewConfidence, e.NewStatement,
	)
	if e.SimilarityNote != "" {
		s += fmt.Sprintf("- **Observation**: %s\n", e.SimilarityNote)
	}
	s += "\n---\n\n"
	return s
}
