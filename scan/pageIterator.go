package scan

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/metadata"
)

type (
	// pageIterator walks one index sequence of one shard. It requests the
	// next page only once the current one is consumed, so cancellation takes
	// effect at page boundaries and an in flight page is always finished.
	pageIterator struct {
		ctx      context.Context
		accessor Accessor
		shard    uint32
		column   string
		limit    int
		end      uint64

		cursor        uint64
		currPage      []metadata.RecordResult
		currPageIndex int
		nextResult    *metadata.RecordResult
		termErr       error
		finished      bool
		pages         int64

		logger *zap.Logger
	}
)

func newPageIterator(
	ctx context.Context,
	accessor Accessor,
	desc ShardDescriptor,
	column string,
	logger *zap.Logger,
) RecordIterator {
	end := desc.End
	if end == 0 {
		end = math.MaxUint64
	}
	itr := &pageIterator{
		ctx:           ctx,
		accessor:      accessor,
		shard:         desc.Shard,
		column:        column,
		limit:         desc.ChunkSize,
		end:           end,
		cursor:        desc.Begin,
		currPageIndex: -1,
		logger:        logger,
	}
	itr.advance()
	return itr
}

// Next returns the current result and advances the iterator.
func (itr *pageIterator) Next() (*metadata.RecordResult, error) {
	if !itr.HasNext() {
		if itr.termErr != nil {
			return nil, itr.termErr
		}
		return nil, ErrIteratorEmpty
	}
	result := itr.nextResult
	itr.advance()
	return result, nil
}

// HasNext indicates if the iterator has a next element.
func (itr *pageIterator) HasNext() bool {
	return itr.nextResult != nil
}

// Err returns the error that stopped the iterator early, nil after a clean
// exhaustion.
func (itr *pageIterator) Err() error {
	return itr.termErr
}

// Cursor returns the next index the iterator would request.
func (itr *pageIterator) Cursor() Cursor {
	return Cursor{
		Shard:    itr.shard,
		Sequence: itr.column,
		Next:     itr.cursor,
	}
}

// Pages returns the number of pages fetched so far.
func (itr *pageIterator) Pages() int64 {
	return itr.pages
}

func (itr *pageIterator) advance() {
	itr.currPageIndex++
	if itr.setNextFromCurrPage() {
		return
	}
	for {
		if itr.finished || itr.cursor >= itr.end {
			itr.setDone(nil)
			return
		}
		if err := itr.ctx.Err(); err != nil {
			itr.setDone(err)
			return
		}

		page, err := itr.accessor.Page(itr.ctx, itr.column, itr.cursor, itr.limit)
		if err != nil {
			itr.setDone(err)
			return
		}
		itr.pages++
		itr.logger.Debug("page fetched",
			zap.Uint32("shard", itr.shard),
			zap.String("sequence", itr.column),
			zap.Uint64("cursor", itr.cursor),
			zap.Int("records", len(page)),
			zap.Int64("pages", itr.pages))

		if len(page) < itr.limit {
			itr.finished = true
		}
		if len(page) == 0 {
			itr.setDone(nil)
			return
		}
		if !itr.finished {
			// A full page that cannot move the cursor would be refetched
			// forever; only rows with a readable index move it.
			max, ok := pageMaxIndex(page)
			if !ok || max < itr.cursor {
				itr.setDone(fmt.Errorf("page at index %v of column %v made no progress", itr.cursor, itr.column))
				return
			}
		}

		itr.currPage = page
		itr.currPageIndex = 0
		if itr.setNextFromCurrPage() {
			return
		}
	}
}

// setNextFromCurrPage points the iterator at the current page entry, if one
// remains and the window end has not been reached.
func (itr *pageIterator) setNextFromCurrPage() bool {
	if itr.currPageIndex >= len(itr.currPage) {
		return false
	}
	curr := &itr.currPage[itr.currPageIndex]
	if curr.Record != nil {
		index := curr.Record.Index
		if index >= itr.end {
			// Pages are index ordered, so everything from here on is
			// outside the scan window.
			itr.cursor = itr.end
			itr.finished = true
			itr.currPage = nil
			return false
		}
		if index+1 > itr.cursor {
			itr.cursor = index + 1
		}
	}
	itr.nextResult = curr
	return true
}

func (itr *pageIterator) setDone(err error) {
	itr.nextResult = nil
	itr.currPage = nil
	itr.termErr = err
}

func pageMaxIndex(page []metadata.RecordResult) (uint64, bool) {
	var max uint64
	found := false
	for _, result := range page {
		if result.Record == nil {
			continue
		}
		found = true
		if result.Record.Index > max {
			max = result.Record.Index
		}
	}
	return max, found
}
