// Package scan drives the shard scans: it partitions the run into per shard
// work, walks each shard's index sequences page by page, and hands matched
// records to the duplicate detector and the output aggregator.
package scan

import (
	"fmt"
)

// morayPort is the port every shard's metadata service listens on.
const morayPort = 2021

const (
	// ScanStateIdle means the scan has not started yet.
	ScanStateIdle ScanState = iota
	// ScanStatePaging means the scan is requesting and processing pages.
	ScanStatePaging
	// ScanStateCompleted means every index sequence was walked to the end of
	// the scan window.
	ScanStateCompleted
	// ScanStateFailed means the scan stopped early on an error.
	ScanStateFailed
	// ScanStateCancelled means the scan stopped at a page boundary because
	// the run was cancelled.
	ScanStateCancelled
)

type (
	// ScanState is the state of a single shard scan.
	ScanState int

	// ShardDescriptor identifies one shard's slice of a run: the shard
	// number, the region domain its endpoints hang off, the scan window and
	// the index sequences to walk.
	ShardDescriptor struct {
		Shard     uint32
		Domain    string
		Begin     uint64
		End       uint64
		Columns   []string
		ChunkSize int
	}

	// Cursor is the next index a scan will request for one sequence of one
	// shard. It only ever moves forward.
	Cursor struct {
		Shard    uint32
		Sequence string
		Next     uint64
	}

	// ControlFlowFailure indicates an error occurred which makes it
	// impossible to continue scanning the shard.
	ControlFlowFailure struct {
		Note    string
		Details string
	}

	// ShardScanHandled counts what one shard scan processed.
	ShardScanHandled struct {
		RecordsCount      int64
		MatchedCount      int64
		MatchedByShark    map[string]int64
		DuplicateCount    int64
		EtagConflictCount int64
		DataErrorCount    int64
		PagesCount        int64
	}

	// ShardScanReport is the result of scanning a single shard.
	ShardScanReport struct {
		Shard               uint32
		State               ScanState
		Handled             ShardScanHandled
		Cursors             []Cursor
		ControlFlowFailures []ControlFlowFailure
	}

	// RunReport aggregates the per shard reports of one run.
	RunReport struct {
		RunID     string
		Shards    []*ShardScanReport
		Completed int
		Failed    int
		Cancelled int
	}
)

// String returns a human readable shard scan state.
func (s ScanState) String() string {
	switch s {
	case ScanStateIdle:
		return "idle"
	case ScanStatePaging:
		return "paging"
	case ScanStateCompleted:
		return "completed"
	case ScanStateFailed:
		return "failed"
	case ScanStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is a final one.
func (s ScanState) Terminal() bool {
	switch s {
	case ScanStateCompleted, ScanStateFailed, ScanStateCancelled:
		return true
	default:
		return false
	}
}

// MorayAddr returns the address of the shard's metadata service.
func (d ShardDescriptor) MorayAddr() string {
	return fmt.Sprintf("%d.moray.%s:%d", d.Shard, d.Domain, morayPort)
}

// PostgresHost returns the hostname of the shard's database replica used by
// direct reads.
func (d ShardDescriptor) PostgresHost() string {
	return fmt.Sprintf("%d.rebalancer-postgres.%s", d.Shard, d.Domain)
}

// MorayHostForShard returns the metadata service address for an arbitrary
// shard of the domain, used by the pre-flight shark validation which always
// asks shard one.
func MorayHostForShard(shard uint32, domain string) string {
	return ShardDescriptor{Shard: shard, Domain: domain}.MorayAddr()
}

// Succeeded reports whether every shard scan completed.
func (r *RunReport) Succeeded() bool {
	return r.Failed == 0 && r.Cancelled == 0
}
