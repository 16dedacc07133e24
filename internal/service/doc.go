package service

// Package service supervises the workers of a workerd process.
//
// Overview
// The Supervisor starts a fixed pool of workers, waits for the shutdown
// coordinator, then joins the pool within a bounded time. Workers are either
// heartbeats or resource workers reading one record from the configured store
// per iteration.
//
// Data flow:
//
//   signal ---> shutdown.Coordinator ----------------------+
//                                                          |
//   Supervisor.Do                                          v
//       | worker.Start(n) -----> worker i: Do, sleep ... <flag> -> return
//       | <-coord.Done()                                   |
//       | pool.JoinTimeout(shutdown_timeout) <-------------+
//       | ErrForcedExit when the timeout expires
//
// Invariants:
//   - Exactly thread_count workers are started and joined.
//   - No worker is started once the join began.
//   - Every record logged by the supervisor and its workers carries the run_id.
//     The coordinator logs the request itself without it.
//   - Store calls in flight are cancelled when the shutdown starts.
//
// internal/service/supervisor_test.go shows the supervisor lifecycle end to end.
