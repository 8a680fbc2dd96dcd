// Package runqueue runs submitted work in named lanes with FIFO ordering per lane.
//
// The task server uses one lane per identity, so runs for the same identity
// are serialized while different identities proceed concurrently.
//
//	q := runqueue.New(runqueue.Config{Concurrency: 1})
//	defer q.Close()
//	v, err := q.Submit(ctx, "alice", func(ctx context.Context) (any, error) {
//		return runtime.ExecuteTask(ctx, req), nil
//	})
package runqueue
