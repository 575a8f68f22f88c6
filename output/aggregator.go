// Package output owns the files a scan writes its matches to. All writes
// funnel through a single goroutine, so the per shark and shard files only
// ever see whole lines no matter how many shard scanners feed them.
package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/TritonDataCenter/sharkspotter/common"
	"github.com/TritonDataCenter/sharkspotter/match"
)

type (
	// Params configures an Aggregator.
	Params struct {
		// Sharks are the canonical target shark names; Shards the shard
		// numbers the run will scan. One sink is created per pair up front
		// so a run fails before scanning when its output is not writable.
		Sharks []string
		Shards []uint32
		// Domain is stripped from shark names to build output directories.
		Domain string
		// BaseDir is the directory the output layout is rooted at; empty
		// means the current directory.
		BaseDir string
		// ObjectIDOnly writes bare object ids instead of full metadata.
		ObjectIDOnly bool
		// SingleFile, when set, routes every match into one file at this
		// path instead of the per shark and shard layout.
		SingleFile     string
		FlushThreshold int
		// Cancel is invoked when a write fails; output loss is fatal to the
		// run because a truncated file cannot be told apart from a complete
		// one.
		Cancel context.CancelFunc
		Logger *zap.Logger
		Scope  tally.Scope
	}

	// Aggregator receives matches from all shard scanners and writes them to
	// their sinks. Start launches the owning goroutine; Write hands a match
	// over; Close flushes and reports any write failure.
	Aggregator struct {
		objectIDOnly bool
		single       *sink
		sinks        map[sinkKey]*sink
		files        []*os.File
		requests     chan match.Result
		done         chan struct{}
		err          atomic.Error
		written      atomic.Int64
		cancel       context.CancelFunc
		logger       *zap.Logger
	}

	sinkKey struct {
		shark string
		shard uint32
	}

	sink struct {
		name    string
		writer  bufferedWriter
		counter tally.Counter
	}
)

// NewAggregator creates every output file for the run and returns an
// Aggregator ready to Start. Per shark and shard files are created fresh and
// never overwritten; a leftover file from an earlier run is an error.
func NewAggregator(params Params) (*Aggregator, error) {
	a := &Aggregator{
		objectIDOnly: params.ObjectIDOnly,
		sinks:        make(map[sinkKey]*sink),
		requests:     make(chan match.Result, len(params.Sharks)*len(params.Shards)),
		done:         make(chan struct{}),
		cancel:       params.Cancel,
		logger:       params.Logger,
	}

	if params.SingleFile != "" {
		f, err := os.OpenFile(params.SingleFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, common.NewOutputError(params.SingleFile, err)
		}
		a.files = append(a.files, f)
		a.single = &sink{
			name:    params.SingleFile,
			writer:  newFileBufferedWriter(f, params.FlushThreshold),
			counter: params.Scope.Counter("records_written"),
		}
		return a, nil
	}

	for _, shark := range params.Sharks {
		short := match.TrimDomain(shark, params.Domain)
		dir := filepath.Join(params.BaseDir, short)
		if err := os.MkdirAll(dir, 0755); err != nil {
			a.closeFiles()
			return nil, common.NewOutputError(dir, err)
		}
		counter := params.Scope.Tagged(map[string]string{"shark": short}).Counter("records_written")
		for _, shard := range params.Shards {
			name := filepath.Join(dir, fmt.Sprintf("shard_%d.objs", shard))
			f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
			if err != nil {
				a.closeFiles()
				return nil, common.NewOutputError(name, err)
			}
			a.files = append(a.files, f)
			a.sinks[sinkKey{shark: shark, shard: shard}] = &sink{
				name:    name,
				writer:  newFileBufferedWriter(f, params.FlushThreshold),
				counter: counter,
			}
		}
	}
	return a, nil
}

// Start launches the goroutine that owns all sinks.
func (a *Aggregator) Start() {
	go a.loop()
}

// Write hands one match to the aggregator. It returns an error if an earlier
// write already failed, so scanners stop producing promptly. Write must not
// be called after Close.
func (a *Aggregator) Write(result match.Result) error {
	if err := a.err.Load(); err != nil {
		return err
	}
	a.requests <- result
	return nil
}

// Close waits for pending writes, flushes every sink and closes the files.
// It returns the write failure that cancelled the run, if any.
func (a *Aggregator) Close() error {
	close(a.requests)
	<-a.done

	result := a.err.Load()
	for _, snk := range a.allSinks() {
		if err := snk.writer.Flush(); err != nil {
			result = multierr.Append(result, common.NewOutputError(snk.name, err))
		}
	}
	for _, f := range a.files {
		if err := f.Close(); err != nil {
			result = multierr.Append(result, common.NewOutputError(f.Name(), err))
		}
	}
	return result
}

// Written returns the number of records written so far.
func (a *Aggregator) Written() int64 {
	return a.written.Load()
}

func (a *Aggregator) loop() {
	defer close(a.done)
	for result := range a.requests {
		if a.err.Load() != nil {
			// A sink already failed; drain the channel so producers that
			// raced past the Write check never block.
			continue
		}
		if err := a.write(result); err != nil {
			a.fail(err)
		}
	}
}

func (a *Aggregator) write(result match.Result) error {
	snk := a.single
	if snk == nil {
		var ok bool
		snk, ok = a.sinks[sinkKey{shark: result.Shark, shard: result.Shard}]
		if !ok {
			return common.NewOutputError(result.Shark,
				fmt.Errorf("no sink for shark %v shard %v", result.Shark, result.Shard))
		}
	}

	var entry interface{}
	if a.objectIDOnly {
		entry = rawLine(result.ObjectID)
	} else {
		entry = result.Record.Value
	}
	if err := snk.writer.Add(entry); err != nil {
		return common.NewOutputError(snk.name, err)
	}

	a.written.Inc()
	snk.counter.Inc(1)
	return nil
}

func (a *Aggregator) fail(err error) {
	a.logger.Error("output write failed, cancelling the run", zap.Error(err))
	a.err.Store(err)
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *Aggregator) allSinks() []*sink {
	if a.single != nil {
		return []*sink{a.single}
	}
	sinks := make([]*sink, 0, len(a.sinks))
	for _, snk := range a.sinks {
		sinks = append(sinks, snk)
	}
	return sinks
}

func (a *Aggregator) closeFiles() {
	for _, f := range a.files {
		f.Close()
	}
}
