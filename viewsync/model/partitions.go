package model

// Partition names for the sync layer's own bookkeeping tables.
// Each view table gets its own partition so that view writes for
// different views never contend with each other or with the
// journal, mirroring how the underlying engine would place
// independently partitioned tables.
var (
	// PartitionJournal holds journal records, per-entity heads,
	// mutation id assignments, compaction floors, and materialized
	// entity state
	PartitionJournal = []byte("journal")
	// PartitionProgress holds per-(entity, view) progress records
	PartitionProgress = []byte("progress")
	// PartitionViewDefs holds registered view definitions
	PartitionViewDefs = []byte("viewdefs")
)

// ViewPartition returns the partition name for a view table
func ViewPartition(viewName string) []byte {
	return append([]byte("view/"), []byte(viewName)...)
}
