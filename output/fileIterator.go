package output

import (
	"bufio"
	"errors"
	"io"

	"github.com/TritonDataCenter/sharkspotter/metadata"
)

// ErrIteratorEmpty indicates that Next was called on an empty iterator.
var ErrIteratorEmpty = errors.New("iterator is empty")

const maxLineSize = 1024 * 1024

type (
	// LineResult is a single line read back from an output file. For files
	// holding full metadata the line is decoded into Object; decode failures
	// are reported per line through Error so a partially corrupted file can
	// still be walked to the end.
	LineResult struct {
		Line   []byte
		Object *metadata.Object
		Error  error
	}

	// LineIterator iterates over the lines of an output file. Downstream
	// consumers use it to feed the matched objects into their own pipelines.
	LineIterator interface {
		// Next returns the current result and advances the iterator.
		// If HasNext is true it is guaranteed that Next will return a nil
		// error and a non-nil result.
		Next() (*LineResult, error)
		// HasNext indicates if the iterator has a next element.
		HasNext() bool
	}

	fileLineIterator struct {
		scanner     *bufio.Scanner
		objectLines bool
		nextResult  *LineResult
		nextError   error
	}
)

// NewFileLineIterator constructs a LineIterator over an output file.
// objectLines states whether the file holds full metadata documents rather
// than bare object ids.
func NewFileLineIterator(reader io.Reader, objectLines bool) LineIterator {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(nil, maxLineSize)
	itr := &fileLineIterator{
		scanner:     scanner,
		objectLines: objectLines,
	}
	itr.advance()
	return itr
}

// Next returns the current result and advances the iterator.
func (itr *fileLineIterator) Next() (*LineResult, error) {
	result := itr.nextResult
	err := itr.nextError
	itr.advance()
	return result, err
}

// HasNext indicates if the iterator has a next element.
func (itr *fileLineIterator) HasNext() bool {
	return itr.nextResult != nil
}

func (itr *fileLineIterator) advance() {
	if !itr.scanner.Scan() {
		itr.nextResult = nil
		if err := itr.scanner.Err(); err != nil {
			itr.nextError = err
			return
		}
		itr.nextError = ErrIteratorEmpty
		return
	}

	// The scanner reuses its buffer on every call.
	line := make([]byte, len(itr.scanner.Bytes()))
	copy(line, itr.scanner.Bytes())

	result := &LineResult{Line: line}
	if itr.objectLines {
		object, err := metadata.DecodeObject(line)
		if err != nil {
			result.Error = err
		} else {
			result.Object = object
		}
	}
	itr.nextResult = result
	itr.nextError = nil
}
