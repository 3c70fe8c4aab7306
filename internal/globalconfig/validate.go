package globalconfig

import (
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"

	"vaultKeeper/internal/layout"
	"vaultKeeper/internal/mints"
)

// Events emitted for tolerated differences between config generations.
const (
	EventConfigurationChange = "oracle configuration change"
	EventEntryRotation       = "entry rotation"
	EventNewEntry            = "new entry"
)

// Change is a tolerated difference between two config generations.
type Change struct {
	Event    string
	Index    int
	Previous *layout.AssetMeta
	Next     layout.AssetMeta
}

// Violation is a structural inconsistency that makes a config unusable.
type Violation struct {
	Reason   string
	Index    int
	Previous *layout.AssetMeta
	Next     *layout.AssetMeta
}

func (v *Violation) Error() string {
	switch {
	case v.Previous != nil && v.Next != nil:
		return fmt.Sprintf("%s at index %d: previous %s, new %s", v.Reason, v.Index, describe(*v.Previous), describe(*v.Next))
	case v.Next != nil:
		return fmt.Sprintf("%s at index %d: %s", v.Reason, v.Index, describe(*v.Next))
	case v.Previous != nil:
		return fmt.Sprintf("%s at index %d: previous %s", v.Reason, v.Index, describe(*v.Previous))
	default:
		return v.Reason
	}
}

func describe(m layout.AssetMeta) string {
	return fmt.Sprintf("{asset=%s decimals=%d oracle=%s source=%s priority=%d max_age=%d}",
		m.Asset, m.Decimals, m.Oracle, m.OracleSource, m.Priority, m.MaxAgeSeconds)
}

func metaPtr(m layout.AssetMeta) *layout.AssetMeta {
	return &m
}

// Reconcile compares next against prev entry by entry. Entries may only be
// appended, tuned in place, or replaced when the previous entry was rotated
// out with a negative priority.
func Reconcile(prev, next []layout.AssetMeta) ([]Change, error) {
	if len(next) < len(prev) {
		return nil, &Violation{Reason: "oracle removed", Index: len(next), Previous: metaPtr(prev[len(next)])}
	}

	var changes []Change
	for i, p := range prev {
		n := next[i]
		if p == n {
			continue
		}
		if p.SamePair(n) {
			if p.Decimals != n.Decimals {
				return nil, &Violation{Reason: "decimals changed", Index: i, Previous: metaPtr(p), Next: metaPtr(n)}
			}
			if p.OracleSource != n.OracleSource {
				return nil, &Violation{Reason: "oracle source changed", Index: i, Previous: metaPtr(p), Next: metaPtr(n)}
			}
			changes = append(changes, Change{Event: EventConfigurationChange, Index: i, Previous: metaPtr(p), Next: n})
			continue
		}
		if p.Priority < 0 {
			changes = append(changes, Change{Event: EventEntryRotation, Index: i, Previous: metaPtr(p), Next: n})
			continue
		}
		return nil, &Violation{Reason: "unexpected change", Index: i, Previous: metaPtr(p), Next: metaPtr(n)}
	}
	for i := len(prev); i < len(next); i++ {
		changes = append(changes, Change{Event: EventNewEntry, Index: i, Next: next[i]})
	}
	return changes, nil
}

// MintLookup resolves already known mint decimals.
type MintLookup interface {
	Get(mint solana.PublicKey) (mints.Context, bool)
}

// Validate checks a config on its own and, when prev is non-nil, against the
// oracle sources and asset decimals of the previous generation. It returns
// the priority index of next.
func Validate(next []layout.AssetMeta, prev []layout.AssetMeta, known MintLookup) (Index, error) {
	previousSources := make(map[solana.PublicKey]layout.OracleSource, len(prev))
	for _, p := range prev {
		previousSources[p.Oracle] = p.OracleSource
	}

	type pair struct{ asset, oracle solana.PublicKey }
	sources := make(map[solana.PublicKey]layout.OracleSource, len(next))
	pairs := make(map[pair]int, len(next))

	for i, n := range next {
		if !n.OracleSource.Supported() {
			return nil, &Violation{Reason: "unsupported oracle source", Index: i, Next: metaPtr(n)}
		}
		if known != nil {
			if mint, ok := known.Get(n.Asset); ok && mint.Decimals != n.Decimals {
				return nil, &Violation{
					Reason: fmt.Sprintf("decimals disagree with mint (%d)", mint.Decimals),
					Index:  i,
					Next:   metaPtr(n),
				}
			}
		}
		if src, ok := previousSources[n.Oracle]; ok && src != n.OracleSource {
			return nil, &Violation{
				Reason: fmt.Sprintf("oracle source changed from %s", src),
				Index:  i,
				Next:   metaPtr(n),
			}
		}
		if src, ok := sources[n.Oracle]; ok && src != n.OracleSource {
			return nil, &Violation{
				Reason: fmt.Sprintf("oracle used with sources %s and %s", src, n.OracleSource),
				Index:  i,
				Next:   metaPtr(n),
			}
		}
		sources[n.Oracle] = n.OracleSource

		key := pair{asset: n.Asset, oracle: n.Oracle}
		if first, dup := pairs[key]; dup {
			return nil, &Violation{
				Reason:   fmt.Sprintf("duplicate oracle for asset, first at index %d", first),
				Index:    i,
				Previous: metaPtr(next[first]),
				Next:     metaPtr(n),
			}
		}
		pairs[key] = i
	}

	index := BuildIndex(next)
	for asset, entries := range index {
		top := entries[0]
		for _, e := range entries[1:] {
			if e.Decimals != top.Decimals {
				return nil, &Violation{
					Reason:   fmt.Sprintf("decimals disagree across entries for asset %s", asset),
					Index:    -1,
					Previous: metaPtr(top),
					Next:     metaPtr(e),
				}
			}
		}
	}

	if len(prev) > 0 {
		prevIndex := BuildIndex(prev)
		for asset, entries := range index {
			before, ok := prevIndex[asset]
			if !ok {
				continue
			}
			if before[0].Decimals != entries[0].Decimals {
				return nil, &Violation{
					Reason:   fmt.Sprintf("decimals changed for asset %s", asset),
					Index:    -1,
					Previous: metaPtr(before[0]),
					Next:     metaPtr(entries[0]),
				}
			}
		}
	}
	return index, nil
}

// Index maps an asset to its entries ordered by priority.
type Index map[solana.PublicKey][]layout.AssetMeta

// BuildIndex groups entries by asset and orders each group with ComparePriority.
func BuildIndex(metas []layout.AssetMeta) Index {
	index := make(Index)
	for _, m := range metas {
		index[m.Asset] = append(index[m.Asset], m)
	}
	for _, entries := range index {
		sort.SliceStable(entries, func(i, j int) bool {
			return ComparePriority(entries[i].Priority, entries[j].Priority) < 0
		})
	}
	return index
}

// ComparePriority orders non-negative priorities ascending, followed by
// negative priorities by ascending magnitude, so -1 precedes -2.
func ComparePriority(a, b int8) int {
	switch {
	case a >= 0 && b >= 0:
		return int(a) - int(b)
	case a >= 0:
		return -1
	case b >= 0:
		return 1
	default:
		return int(b) - int(a)
	}
}
