package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

// SyncState is the sync bookkeeping of a locally created record. It is a
// closed set of states: Pending (with an attempt counter), Synced(serverID)
// or Failed(reason). Synced is terminal and a server id, once set, is never
// cleared or replaced.
type SyncState struct {
	status    SyncStatus
	serverID  string
	attempts  int
	lastError string
	syncedAt  *time.Time
}

func PendingSync() SyncState {
	return SyncState{status: SyncPending}
}

func (s SyncState) Status() SyncStatus {
	if s.status == "" {
		return SyncPending
	}
	return s.status
}

func (s SyncState) IsPending() bool { return s.Status() == SyncPending }
func (s SyncState) IsSynced() bool  { return s.Status() == SyncSynced }
func (s SyncState) IsFailed() bool  { return s.Status() == SyncFailed }

func (s SyncState) ServerID() (string, bool) {
	return s.serverID, s.status == SyncSynced && s.serverID != ""
}

func (s SyncState) Attempts() int     { return s.attempts }
func (s SyncState) LastError() string { return s.lastError }

func (s SyncState) SyncedAt() *time.Time {
	if s.syncedAt == nil {
		return nil
	}
	at := *s.syncedAt
	return &at
}

// MarkSynced moves the record to Synced(serverID). Marking an already synced
// record with the same id is a no-op; a different id is rejected.
func (s SyncState) MarkSynced(serverID string, at time.Time) (SyncState, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return s, fmt.Errorf("mark synced: empty server id")
	}
	if s.status == SyncSynced {
		if s.serverID != serverID {
			return s, fmt.Errorf("mark synced: already synced as %s, refusing %s", s.serverID, serverID)
		}
		return s, nil
	}
	at = at.UTC()
	return SyncState{
		status:   SyncSynced,
		serverID: serverID,
		attempts: s.attempts + 1,
		syncedAt: &at,
	}, nil
}

// RecordTransientFailure counts a failed attempt. When maxAttempts is
// positive and reached, the record becomes Failed and stops retrying.
func (s SyncState) RecordTransientFailure(reason string, maxAttempts int) SyncState {
	if s.status == SyncSynced || s.status == SyncFailed {
		return s
	}
	next := SyncState{status: SyncPending, attempts: s.attempts + 1, lastError: reason}
	if maxAttempts > 0 && next.attempts >= maxAttempts {
		next.status = SyncFailed
		next.lastError = fmt.Sprintf("max attempts (%d) reached: %s", maxAttempts, reason)
	}
	return next
}

// MarkFailed records a permanent failure. Synced records are left untouched.
func (s SyncState) MarkFailed(reason string) SyncState {
	if s.status == SyncSynced {
		return s
	}
	return SyncState{status: SyncFailed, attempts: s.attempts + 1, lastError: reason}
}

// Requeue returns a Failed record to Pending after manual intervention.
func (s SyncState) Requeue() SyncState {
	if s.status != SyncFailed {
		return s
	}
	return SyncState{status: SyncPending}
}

type syncStateJSON struct {
	Status    SyncStatus `json:"status"`
	Synced    bool       `json:"synced"`
	ServerID  string     `json:"server_id,omitempty"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

func (s SyncState) MarshalJSON() ([]byte, error) {
	return json.Marshal(syncStateJSON{
		Status:    s.Status(),
		Synced:    s.IsSynced(),
		ServerID:  s.serverID,
		Attempts:  s.attempts,
		LastError: s.lastError,
		SyncedAt:  s.syncedAt,
	})
}

func (s *SyncState) UnmarshalJSON(data []byte) error {
	var raw syncStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status := raw.Status
	switch {
	case status == "" && raw.Synced:
		status = SyncSynced
	case status == "":
		status = SyncPending
	}
	if status == SyncSynced && raw.ServerID == "" {
		return fmt.Errorf("sync state: synced without server id")
	}
	*s = SyncState{
		status:    status,
		serverID:  raw.ServerID,
		attempts:  raw.Attempts,
		lastError: raw.LastError,
		syncedAt:  raw.SyncedAt,
	}
	return nil
}
