// Package consumer is the entry point of the module: a Consumer ties together the broker client,
// the subscription manager, the position tracker, and the commit coordinator.
//
// A typical loop: create the Consumer with New, Subscribe, then repeatedly Poll, process the
// records, and commit (CommitSyncLast or CommitAsyncLast commit everything returned by previous
// polls). Close when done.
//
// The Consumer is not safe for concurrent use. Only Wakeup and Close may be called from other
// goroutines; Wakeup is the way to interrupt a blocked Poll.
package consumer
