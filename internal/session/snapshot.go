package session

import (
	"bufio"
	"encoding/json"
	"io"
	"time"
)

// SnapshotEntry is one line of a session snapshot file: just enough to log
// or audit what was live at the moment of writing. Spec §4.12 is explicit
// that this is best-effort and diagnostic only — restoring from a snapshot
// never reinserts entries into a live Table, since the upstream sockets and
// backend references a restored entry would need no longer exist.
type SnapshotEntry struct {
	SessionID  string    `json:"session_id"`
	ClientAddr string    `json:"client_addr"`
	BackendID  string    `json:"backend_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// WriteSnapshot writes one JSON-encoded SnapshotEntry per line to w,
// covering every session currently in the table.
func (t *Table) WriteSnapshot(w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, s := range t.All() {
		entry := SnapshotEntry{
			SessionID:  s.ID,
			ClientAddr: s.ClientAddr.String(),
			BackendID:  s.Backend.ID,
			CreatedAt:  s.CreatedAt(),
		}
		if err := enc.Encode(entry); err != nil {
			return err
		}
	}
	return nil
}

// ReadSnapshot parses a JSON-lines snapshot file into entries, for
// diagnostics or startup logging (e.g. "N sessions were live at last
// shutdown"). It never mutates a Table.
func ReadSnapshot(r io.Reader) ([]SnapshotEntry, error) {
	var entries []SnapshotEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry SnapshotEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}
