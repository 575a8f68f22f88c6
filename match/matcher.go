// Package match decides which scanned records belong to the run's target
// sharks.
package match

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/metadata"
)

type (
	// TargetSet holds the sharks a run is looking for, along with the
	// minimum copy count a record must carry to match.
	TargetSet struct {
		sharks    map[string]struct{}
		minCopies int
	}

	// Result is one record matched against one requested shark. A record
	// referencing several requested sharks produces one Result per shark.
	Result struct {
		Shark    string
		Shard    uint32
		ObjectID string
		Record   *metadata.Record
	}
)

// NewTargetSet builds a TargetSet from canonical shark names. minCopies of
// zero disables the copy count filter.
func NewTargetSet(sharks []string, minCopies int) *TargetSet {
	set := make(map[string]struct{}, len(sharks))
	for _, shark := range sharks {
		set[shark] = struct{}{}
	}
	return &TargetSet{
		sharks:    set,
		minCopies: minCopies,
	}
}

// Sharks returns the target shark names in stable order.
func (ts *TargetSet) Sharks() []string {
	sharks := make([]string, 0, len(ts.sharks))
	for shark := range ts.sharks {
		sharks = append(sharks, shark)
	}
	sort.Strings(sharks)
	return sharks
}

// Match classifies a record against the target set. It is a pure function of
// its inputs; records that fail the copy count filter or reference no
// requested shark produce no results.
func (ts *TargetSet) Match(record *metadata.Record, shard uint32) []Result {
	if record == nil || record.Object == nil {
		return nil
	}
	if ts.minCopies > 0 && len(record.Object.Sharks) < ts.minCopies {
		return nil
	}

	var results []Result
	seen := make(map[string]struct{})
	for _, node := range record.Object.Sharks {
		if _, ok := ts.sharks[node.MantaStorageID]; !ok {
			continue
		}
		if _, ok := seen[node.MantaStorageID]; ok {
			continue
		}
		seen[node.MantaStorageID] = struct{}{}
		results = append(results, Result{
			Shark:    node.MantaStorageID,
			Shard:    shard,
			ObjectID: record.Object.ObjectID,
			Record:   record,
		})
	}
	return results
}

// FixupSharks canonicalizes user supplied shark names. Records name sharks by
// their fully qualified storage id, so a bare name like "3.stor" would never
// match; such names get the region domain appended, with a warning. Repeated
// names are dropped.
func FixupSharks(sharks []string, domain string, logger *zap.Logger) []string {
	fixed := make([]string, 0, len(sharks))
	seen := make(map[string]struct{}, len(sharks))
	for _, shark := range sharks {
		canonical := shark
		if !strings.HasSuffix(shark, domain) {
			canonical = fmt.Sprintf("%v.%v", shark, domain)
			logger.Warn("shark name does not include the region domain, appending it",
				zap.String("shark", shark),
				zap.String("canonical", canonical))
		}
		if _, ok := seen[canonical]; ok {
			logger.Warn("duplicate shark name ignored", zap.String("shark", canonical))
			continue
		}
		seen[canonical] = struct{}{}
		fixed = append(fixed, canonical)
	}
	return fixed
}

// TrimDomain strips the region domain suffix from a canonical shark name,
// giving the short form used for output paths.
func TrimDomain(shark string, domain string) string {
	return strings.TrimSuffix(shark, "."+domain)
}
