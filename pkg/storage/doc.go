/*
Package storage provides persistent control-plane state storage backed
by BoltDB.

One embedded database per node holds the records the control plane must
not lose across restarts:

  - networks: networks this node administers
  - joined_networks: client-side configs received on join approval
  - workers: registered workers with their last heartbeat
  - block_assignments: encrypted model block → worker mapping
  - backup_workers: the standby catalog used by failover
  - config_items: versioned configuration owned by config sync

Records are JSON-marshalled under their natural key in a bucket per
record type. Writes are transactional per operation; reads open
read-only transactions and return copies.

The Store interface keeps consumers independent of BoltDB; tests use
the same BoltStore against a temp directory since bbolt needs no
external process.
*/
package storage
