/*
Package types defines the shared domain records of the control plane:
licenses and tiers, users and roles, networks and their join protocol,
workers, backups, block assignments and workload transfers.

Records here carry no behavior beyond small pure helpers (tier
ordering, heartbeat freshness, capacity checks) so that every component
can exchange them without import cycles. Component-specific state stays
in the owning package.
*/
package types
