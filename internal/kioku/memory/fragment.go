// Package memory implements the two-tier conversation memory: a volatile
// short-term buffer per conversation instance and a durable long-term index
// of input/response fragments used to answer repeated questions without
// calling the generator.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fragmentNamespace seeds the name-based fragment IDs.
var fragmentNamespace = uuid.MustParse("6f1b7c2e-4a8d-5e3f-9b0c-1d2e3f4a5b6c")

// Fragment is one persisted exchange. Once written to long-term storage it
// is never modified.
type Fragment struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	Generation uint64    `json:"generation"`
	Input      string    `json:"input"`
	Response   string    `json:"response"`
	Sentiment  string    `json:"sentiment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// FragmentID derives the fragment ID for the seq-th exchange of an instance
// generation. The same triple always yields the same ID, so a replayed step
// writes the same fragment again instead of a duplicate.
func FragmentID(instanceID string, generation uint64, seq int) string {
	name := fmt.Sprintf("%s|%d|%d", instanceID, generation, seq)
	return uuid.NewSHA1(fragmentNamespace, []byte(name)).String()
}

// Normalize folds text into the form used for exact-match lookups: trimmed,
// inner whitespace collapsed to single spaces, lower-cased.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// newest returns the most recent fragment among candidates whose normalised
// input equals norm. Equal timestamps fall back to the larger ID so the
// choice is stable across backends.
func newest(candidates []Fragment, norm string) *Fragment {
	var best *Fragment
	for i := range candidates {
		c := &candidates[i]
		if Normalize(c.Input) != norm {
			continue
		}
		if best == nil ||
			c.Timestamp.After(best.Timestamp) ||
			(c.Timestamp.Equal(best.Timestamp) && c.ID > best.ID) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}
