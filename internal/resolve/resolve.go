// Package resolve selects the single winning assertion among competing
// claims for one conceptual fact. The ranking is a total order: every step
// is a strict tiebreaker feeding the next, and the final tie falls back to
// the lexicographically smallest assertion ID, so the result is
// deterministic and independent of input order.
package resolve

import (
	"sort"
	"time"

	"github.com/evergraph/evergraph/internal/types"
)

// Loss reasons attached to annotated claims.
const (
	LostScenario   = "scenario"
	LostManual     = "manual_override"
	LostAuthority  = "authority"
	LostRecency    = "recency"
	LostConfidence = "confidence"
	LostTiebreak   = "tiebreak"
)

// unrankedAuthority is the rank assumed for sources without a registered
// authority_rank: worse than any real rank.
const unrankedAuthority = int(^uint(0) >> 1)

// Claim is an assertion annotated with its resolution outcome.
type Claim struct {
	*types.AssertionRecord
	IsWinner    bool   `json:"is_winner"`
	LostBecause string `json:"lost_because,omitempty"`
}

// Params carries the resolution inputs shared by every key group.
type Params struct {
	ScenarioID string
	AsOf       time.Time
	// Authority maps source_id to authority_rank (lower wins).
	Authority map[string]int
}

func (p Params) scenario() string {
	if p.ScenarioID == "" {
		return types.ScenarioBase
	}
	return p.ScenarioID
}

func (p Params) rank(a *types.AssertionRecord) int {
	if r, ok := p.Authority[a.SourceID]; ok {
		return r
	}
	return unrankedAuthority
}

// inWindow applies the temporal filter: valid_from <= as_of < valid_to.
func inWindow(a *types.AssertionRecord, asOf time.Time) bool {
	if a.ValidFrom.After(asOf) {
		return false
	}
	return a.ValidTo == nil || asOf.Before(*a.ValidTo)
}

// Winner resolves one key group to at most one assertion. Nil when nothing
// survives the temporal and scenario filters.
func Winner(records []*types.AssertionRecord, p Params) *types.AssertionRecord {
	claims := Claims(records, p)
	for _, c := range claims {
		if c.IsWinner {
			return c.AssertionRecord
		}
	}
	return nil
}

// Claims returns every record passing the temporal filter, each annotated
// with the winner flag and, for losers, the ranking step that eliminated
// them.
func Claims(records []*types.AssertionRecord, p Params) []Claim {
	var live []*types.AssertionRecord
	for _, a := range records {
		if inWindow(a, p.AsOf) {
			live = append(live, a)
		}
	}
	if len(live) == 0 {
		return nil
	}

	reasons := make(map[string]string, len(live))

	// Scenario preference: a matching overlay shadows every base record,
	// and records from unrelated scenarios never win. Unlike the later
	// steps this one may legitimately empty the field.
	target := p.scenario()
	hasOverlay := false
	for _, a := range live {
		if a.ScenarioID == target {
			hasOverlay = true
			break
		}
	}
	var remaining []*types.AssertionRecord
	for _, a := range live {
		switch {
		case a.ScenarioID == target:
			remaining = append(remaining, a)
		case !hasOverlay && a.ScenarioID == types.ScenarioBase:
			remaining = append(remaining, a)
		default:
			reasons[a.ID] = LostScenario
		}
	}
	if len(remaining) == 0 {
		out := make([]Claim, 0, len(live))
		for _, a := range live {
			out = append(out, Claim{AssertionRecord: a, LostBecause: reasons[a.ID]})
		}
		return out
	}

	// Manual override beats everything else that survived.
	remaining = eliminate(remaining, reasons, LostManual, func(rs []*types.AssertionRecord) []*types.AssertionRecord {
		var manual []*types.AssertionRecord
		for _, a := range rs {
			if a.SourceType == types.SourceManual {
				manual = append(manual, a)
			}
		}
		if len(manual) > 0 {
			return manual
		}
		return rs
	})

	// Authority: keep the minimum registered rank.
	remaining = eliminate(remaining, reasons, LostAuthority, func(rs []*types.AssertionRecord) []*types.AssertionRecord {
		best := unrankedAuthority
		for _, a := range rs {
			if r := p.rank(a); r < best {
				best = r
			}
		}
		var kept []*types.AssertionRecord
		for _, a := range rs {
			if p.rank(a) == best {
				kept = append(kept, a)
			}
		}
		return kept
	})

	// Recency: maximum recorded_at.
	remaining = eliminate(remaining, reasons, LostRecency, func(rs []*types.AssertionRecord) []*types.AssertionRecord {
		var latest time.Time
		for _, a := range rs {
			if a.RecordedAt.After(latest) {
				latest = a.RecordedAt
			}
		}
		var kept []*types.AssertionRecord
		for _, a := range rs {
			if a.RecordedAt.Equal(latest) {
				kept = append(kept, a)
			}
		}
		return kept
	})

	// Confidence: maximum wins.
	remaining = eliminate(remaining, reasons, LostConfidence, func(rs []*types.AssertionRecord) []*types.AssertionRecord {
		best := rs[0].Confidence
		for _, a := range rs[1:] {
			if a.Confidence > best {
				best = a.Confidence
			}
		}
		var kept []*types.AssertionRecord
		for _, a := range rs {
			if a.Confidence == best {
				kept = append(kept, a)
			}
		}
		return kept
	})

	// Deterministic tiebreak: minimum assertion ID.
	remaining = eliminate(remaining, reasons, LostTiebreak, func(rs []*types.AssertionRecord) []*types.AssertionRecord {
		min := rs[0]
		for _, a := range rs[1:] {
			if a.ID < min.ID {
				min = a
			}
		}
		return []*types.AssertionRecord{min}
	})

	winnerID := ""
	if len(remaining) == 1 {
		winnerID = remaining[0].ID
	}

	out := make([]Claim, 0, len(live))
	for _, a := range live {
		c := Claim{AssertionRecord: a, IsWinner: a.ID == winnerID}
		if !c.IsWinner {
			c.LostBecause = reasons[a.ID]
		}
		out = append(out, c)
	}
	// Stable presentation: winner first, then by ID.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsWinner != out[j].IsWinner {
			return out[i].IsWinner
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// eliminate applies one ranking step and records the reason for every
// record the step dropped. A step that would empty the field keeps it
// unchanged instead (nothing to prefer).
func eliminate(rs []*types.AssertionRecord, reasons map[string]string, reason string, keep func([]*types.AssertionRecord) []*types.AssertionRecord) []*types.AssertionRecord {
	if len(rs) <= 1 {
		return rs
	}
	kept := keep(rs)
	if len(kept) == 0 {
		return rs
	}
	keptIDs := make(map[string]bool, len(kept))
	for _, a := range kept {
		keptIDs[a.ID] = true
	}
	for _, a := range rs {
		if !keptIDs[a.ID] && reasons[a.ID] == "" {
			reasons[a.ID] = reason
		}
	}
	return kept
}

// GroupByKey buckets records by assertion key, the unit the engine
// resolves over.
func GroupByKey(records []*types.AssertionRecord) map[string][]*types.AssertionRecord {
	out := make(map[string][]*types.AssertionRecord)
	for _, a := range records {
		out[a.AssertionKey] = append(out[a.AssertionKey], a)
	}
	return out
}

// ResolveAll resolves every key group and returns key → winner, omitting
// keys with no surviving claim.
func ResolveAll(records []*types.AssertionRecord, p Params) map[string]*types.AssertionRecord {
	out := make(map[string]*types.AssertionRecord)
	for key, group := range GroupByKey(records) {
		if w := Winner(group, p); w != nil {
			out[key] = w
		}
	}
	return out
}
