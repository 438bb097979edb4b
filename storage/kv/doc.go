// Package kv defines the partition-keyed storage contract the
// sync layer is built on and provides drivers implementing it.
//
// A store contains zero or more named partitions. Partitions
// operate independently from each other: there are no ordering or
// consistency guarantees for transactions spawned from different
// partitions, and no transaction may span partitions. Within a
// partition transactions are strictly serializable.
//
// The deliberate absence of cross-partition transactions is the
// structural property the layers above this package exist to
// compensate for.
package kv
