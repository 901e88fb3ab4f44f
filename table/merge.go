package table

import "github.com/gigapi/linepipe/fileio"

// MergeColumn carries one column's out-of-order data into the merge planner.
// For variable-size columns OooFix holds the 8-byte offsets and OooVar the
// payload blob, mirroring the on-disk <col>.i / <col>.d layout.
type MergeColumn struct {
	Name    string
	Type    ColumnType
	Indexed bool
	// Top is the committed row count at which the column came into
	// existence, or -1 when the planner should read <col>.top itself.
	Top    int64
	OooFix []byte
	OooVar []byte
}

// MergeRequest describes a commit whose rows fall behind the partition's max
// timestamp. The writer hands it to the merge pipeline and blocks until the
// rewritten partition has been swapped in.
type MergeRequest struct {
	TableName      string
	PartitionDir   string
	Txn            uint64
	SrcDataMax     int64
	OooCount       int64
	OooTimestamps  []int64
	TimestampIndex int
	Columns        []MergeColumn
	// ActiveTimestamp is the writer's open descriptor for the designated
	// timestamp column; the planner reads through it but must not close it.
	ActiveTimestamp fileio.FileSlot
	LastPartition   bool
}

// PartitionMerger is implemented by the ooo pipeline.
type PartitionMerger interface {
	MergePartition(req *MergeRequest) error
}
