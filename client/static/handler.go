package static

import (
	"io"
	"time"

	"github.com/mkocikowski/libkafka"
	"github.com/mkocikowski/libkafka/client/fetcher"
)

// FetcherSeekerCloser is implemented by libkafka fetcher.PartitionFetcher. The reason it is an
// interface is to make mocking out tests easier.
type FetcherSeekerCloser interface {
	Fetch() (*fetcher.Response, error)
	Seek(time.Time) error
	Offset() int64
	SetOffset(int64)
	io.Closer
}

// messageOldest is the ListOffsets "earliest" timestamp, the counterpart of fetcher.MessageNewest.
var messageOldest = time.Unix(0, -2*int64(time.Millisecond))

// handleFetchResponse moves the fetcher's offset past the last good batch of the exchange. On
// offset out of range it seeks to reset (oldest or newest); with no reset it returns false and
// the partition needs an explicit seek.
func handleFetchResponse(f FetcherSeekerCloser, e *Exchange, reset *time.Time) bool {
	e.FinalOffset = e.InitialOffset - 1
	if e.RequestError != nil {
		// connection has been closed in libkafka
		return true
	}
	if e.ErrorCode == libkafka.ERR_OFFSET_OUT_OF_RANGE {
		if reset == nil {
			return false
		}
		if err := f.Seek(*reset); err != nil {
			// force looking up the leader and reconnecting on the next fetch, the current
			// offset stays the same
			f.Close()
		}
		return true
	}
	if e.ErrorCode != libkafka.ERR_NONE {
		f.Close()
		return true
	}
	nextOffset := e.InitialOffset
	for _, batch := range e.Batches {
		if batch.Error != nil {
			continue
		}
		// if the last batch fails it will be retried next time (offset will not be advanced
		// past it). if a batch "in the middle" fails it will be skipped.
		nextOffset = batch.LastOffset() + 1
	}
	// not a commit: this moves the fetcher to where the next fetch starts
	f.SetOffset(nextOffset)
	e.FinalOffset = nextOffset - 1
	return true
}
