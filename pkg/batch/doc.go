// Package batch runs the export pipeline for many pages in parallel.
//
// Each page goes through submit, poll, download and unpack strictly in that
// order. Pages are independent of each other and are spread across a fixed
// pool of workers (the smaller of the page count and the configured worker
// count). A page failure is recorded in its result and never stops the
// other pages; Process returns export.ErrAllFailed only when no page
// succeeded.
//
// Example usage:
//
//	stages, err := batch.NewStages(notionClient, poller.DefaultConfig(), logger)
//	orch, err := batch.New(map[string]string{"Doc A": "0f1e2d3c4b5a69788796a5b4c3d2e1f0"}, stages, batch.DefaultConfig(), logger)
//	results, err := orch.Process(ctx)
//
// Every page writes below its own directory of the shared export root, so
// workers need no coordination beyond the result channel.
package batch
