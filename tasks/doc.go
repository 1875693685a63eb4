// Package tasks contains the concrete job handler families: order
// fulfillment, report generation, and maintenance. Each family is a
// struct bundling its collaborators (commerce store, artifact store,
// chain orchestrator) with a Register method that installs its
// definitions on a job registry.
//
// Handlers are written to be safe under re-execution: every mutation of
// shared business state goes through an atomic conditional operation on
// the commerce store (compare-and-set status writes, all-or-nothing
// stock reservation), never read-modify-write.
package tasks
