// Package vm provides the VM lifecycle manager: the public-facing
// orchestrator composing profile validation, admission control, the
// virtualization backend, the snapshot store and the VM registry into the
// lifecycle operations, plus the background resource monitor.
//
// Concurrency model:
//
// Every lifecycle operation acquires its VM's exclusive lock for the full
// operation, so operations on one VM serialize while different VMs proceed
// fully in parallel. Cross-VM coordination happens only on the accountant's
// ledger. Create and start may take tens of seconds; both honor context
// cancellation and unwind deterministically: a cancelled create leaves no
// registry entry and no reservation, a cancelled start leaves the VM Failed
// with its reservation retained (the backend may still hold resources until
// the VM is destroyed).
//
// Snapshots quiesce by pausing: the backend contract does not promise live
// export, so a Running VM is paused for the export window and resumed
// afterwards, with the per-VM lock held throughout.
package vm
