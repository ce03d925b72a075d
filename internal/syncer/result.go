package syncer

import (
	"time"

	"kasirinaja/kiosk/internal/domain"
)

type State string

const (
	StateIdle           State = "idle"
	StateRunning        State = "running"
	StateSuccess        State = "success"
	StatePartialFailure State = "partial-failure"
	StateHardFailure    State = "hard-failure"
)

// SalePolicy decides what happens to local sales once the closure of their
// session reaches the server.
type SalePolicy string

const (
	// PurgeAfterClosure deletes the sales; the closure carries their totals.
	PurgeAfterClosure SalePolicy = "purge"
	// RetainSales keeps them locally for audit export.
	RetainSales SalePolicy = "retain"
)

func ParseSalePolicy(value string) (SalePolicy, bool) {
	switch SalePolicy(value) {
	case "", PurgeAfterClosure:
		return PurgeAfterClosure, true
	case RetainSales:
		return RetainSales, true
	default:
		return "", false
	}
}

type EntityCounts struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type PassResult struct {
	State    State                               `json:"state"`
	Started  time.Time                           `json:"started"`
	Duration time.Duration                       `json:"duration"`
	Entities map[domain.EntityType]*EntityCounts `json:"entities"`
	Mappings []domain.IDMapping                  `json:"mappings"`
	Errors   []string                            `json:"errors,omitempty"`
	Offline  bool                                `json:"offline,omitempty"`
}

func newPassResult(started time.Time) PassResult {
	return PassResult{
		Started:  started,
		Entities: make(map[domain.EntityType]*EntityCounts),
		Mappings: make([]domain.IDMapping, 0),
	}
}

// Counts returns the counts of one entity, zero when the stage did not run.
func (r PassResult) Counts(entity domain.EntityType) EntityCounts {
	if c, ok := r.Entities[entity]; ok && c != nil {
		return *c
	}
	return EntityCounts{}
}

func (r PassResult) Totals() EntityCounts {
	var t EntityCounts
	for _, c := range r.Entities {
		if c == nil {
			continue
		}
		t.Attempted += c.Attempted
		t.Succeeded += c.Succeeded
		t.Failed += c.Failed
		t.Skipped += c.Skipped
	}
	return t
}

func (r PassResult) outcome() State {
	t := r.Totals()
	switch {
	case r.Offline || (len(r.Errors) > 0 && len(r.Errors) >= len(r.Entities)):
		return StateHardFailure
	case len(r.Errors) > 0 || t.Failed > 0 || t.Skipped > 0:
		return StatePartialFailure
	default:
		return StateSuccess
	}
}
