// Package devicemgr is the orchestration layer that callers talk to.
//
// A Manager aggregates scan results from every registered adapter into one
// logical view per tile UUID, allocates connection ids, routes connect
// requests to the best adapter that has a free slot, forwards operations on
// established connections, and re-publishes tile events (reports, traces,
// unexpected disconnects) to registered monitors.
//
// Thread Safety: every adapter callback may arrive on a goroutine belonging
// to that adapter's transport. The Manager never mutates shared state from
// those goroutines; every notification and every public operation is handed
// off to one owning goroutine through a bounded task channel, so the scan
// table, connection table and monitor table are only ever touched from one
// logical thread.
package devicemgr
