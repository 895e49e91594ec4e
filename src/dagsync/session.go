package dagsync

import (
	"sort"
	"time"

	"github.com/meshnetworks/meshdag/src/dag"
)

// Session is a bounded-lifetime reconciliation exchange with one peer. It is
// created when a gap is detected, mutated as responses arrive, and destroyed
// on full resolution, retry exhaustion or timeout.
type Session struct {
	ID           string
	PeerID       string
	StartTime    time.Time
	LastActivity time.Time
	Missing      map[string]bool
	Received     map[string]*dag.Node
	Retries      int
}

func newSession(id, peerID string, missing []string) *Session {
	missingSet := make(map[string]bool, len(missing))
	for _, blockID := range missing {
		missingSet[blockID] = true
	}

	now := time.Now()

	return &Session{
		ID:           id,
		PeerID:       peerID,
		StartTime:    now,
		LastActivity: now,
		Missing:      missingSet,
		Received:     make(map[string]*dag.Node),
	}
}

// missingIDs returns the unresolved block ids, sorted.
func (s *Session) missingIDs() []string {
	res := make([]string, 0, len(s.Missing))
	for id := range s.Missing {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

// receivedIDs returns the resolved block ids, sorted.
func (s *Session) receivedIDs() []string {
	res := make([]string, 0, len(s.Received))
	for id := range s.Received {
		res = append(res, id)
	}
	sort.Strings(res)
	return res
}

// resolved reports whether every missing block has been received.
func (s *Session) resolved() bool {
	return len(s.Missing) == 0
}
