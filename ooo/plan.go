package ooo

import "sort"

type BlockType int8

const (
	BlockNone BlockType = iota
	BlockOO
	BlockData
	BlockMerge
)

func (b BlockType) String() string {
	switch b {
	case BlockOO:
		return "OO"
	case BlockData:
		return "DATA"
	case BlockMerge:
		return "MERGE"
	default:
		return "NONE"
	}
}

type Mode int8

const (
	OpenMidPartitionForAppend Mode = iota + 1
	OpenLastPartitionForAppend
	OpenMidPartitionForMerge
	OpenLastPartitionForMerge
	OpenNewPartitionForAppend
)

// Block is a row range [Lo, Hi] in either the existing partition data or the
// incoming out-of-order batch, depending on Type.
type Block struct {
	Type BlockType
	Lo   int64
	Hi   int64
}

func (b Block) Len() int64 {
	if b.Type == BlockNone {
		return 0
	}
	return b.Hi - b.Lo + 1
}

// mergeIndexEntry packs a source row as (row << 1) | oooBit.
type mergeIndexEntry = int64

func mergeEntry(row int64, fromOoo bool) mergeIndexEntry {
	e := row << 1
	if fromOoo {
		e |= 1
	}
	return e
}

func mergeEntryRow(e mergeIndexEntry) int64  { return e >> 1 }
func mergeEntryIsOoo(e mergeIndexEntry) bool { return e&1 == 1 }

// Plan is the partition-level classification of one out-of-order commit.
// Prefix and Suffix are straight block moves; the middle is either a pure
// block or a timestamp-ordered interleave described by MergeIndex.
type Plan struct {
	Mode   Mode
	Prefix Block
	Suffix Block

	MergeType                BlockType
	MergeOooLo, MergeOooHi   int64
	MergeDataLo, MergeDataHi int64
	MergeIndex               []mergeIndexEntry
}

func (p *Plan) partCount() int32 {
	n := int32(0)
	if p.Prefix.Type != BlockNone {
		n++
	}
	if p.MergeType != BlockNone {
		n++
	}
	if p.Suffix.Type != BlockNone {
		n++
	}
	return n
}

// PlanPartition classifies how sorted out-of-order timestamps combine with
// the partition's existing timestamps. Both inputs are ascending; ties merge
// existing data ahead of incoming rows.
func PlanPartition(dataTs, oooTs []int64, lastPartition bool) *Plan {
	if len(dataTs) == 0 {
		return &Plan{Mode: OpenNewPartitionForAppend}
	}
	oooMin, oooMax := oooTs[0], oooTs[len(oooTs)-1]
	dataMin, dataMax := dataTs[0], dataTs[len(dataTs)-1]

	if oooMin > dataMax {
		mode := OpenMidPartitionForAppend
		if lastPartition {
			mode = OpenLastPartitionForAppend
		}
		return &Plan{Mode: mode}
	}

	mode := OpenMidPartitionForMerge
	if lastPartition {
		mode = OpenLastPartitionForMerge
	}
	p := &Plan{Mode: mode}

	dataLo, oooLo := int64(0), int64(0)
	dataHi, oooHi := int64(len(dataTs)-1), int64(len(oooTs)-1)

	if dataMin < oooMin {
		// data rows strictly before the incoming batch stay in place
		hi := int64(sort.Search(len(dataTs), func(i int) bool { return dataTs[i] >= oooMin })) - 1
		p.Prefix = Block{Type: BlockData, Lo: 0, Hi: hi}
		dataLo = hi + 1
	} else if oooMin < dataMin {
		hi := int64(sort.Search(len(oooTs), func(i int) bool { return oooTs[i] >= dataMin })) - 1
		p.Prefix = Block{Type: BlockOO, Lo: 0, Hi: hi}
		oooLo = hi + 1
	}

	if oooMax > dataMax {
		lo := int64(sort.Search(len(oooTs), func(i int) bool { return oooTs[i] > dataMax }))
		p.Suffix = Block{Type: BlockOO, Lo: lo, Hi: oooHi}
		oooHi = lo - 1
	}

	haveData := dataLo <= dataHi
	haveOoo := oooLo <= oooHi
	switch {
	case haveData && haveOoo:
		p.MergeType = BlockMerge
		p.MergeDataLo, p.MergeDataHi = dataLo, dataHi
		p.MergeOooLo, p.MergeOooHi = oooLo, oooHi
		p.MergeIndex = buildMergeIndex(dataTs, oooTs, dataLo, dataHi, oooLo, oooHi)
	case haveData:
		p.MergeType = BlockData
		p.MergeDataLo, p.MergeDataHi = dataLo, dataHi
		p.MergeOooLo, p.MergeOooHi = -1, -1
	case haveOoo:
		p.MergeType = BlockOO
		p.MergeOooLo, p.MergeOooHi = oooLo, oooHi
		p.MergeDataLo, p.MergeDataHi = -1, -1
	default:
		p.MergeDataLo, p.MergeDataHi = -1, -1
		p.MergeOooLo, p.MergeOooHi = -1, -1
	}
	return p
}

func buildMergeIndex(dataTs, oooTs []int64, dataLo, dataHi, oooLo, oooHi int64) []mergeIndexEntry {
	idx := make([]mergeIndexEntry, 0, dataHi-dataLo+1+oooHi-oooLo+1)
	d, o := dataLo, oooLo
	for d <= dataHi && o <= oooHi {
		if dataTs[d] <= oooTs[o] {
			idx = append(idx, mergeEntry(d, false))
			d++
		} else {
			idx = append(idx, mergeEntry(o, true))
			o++
		}
	}
	for ; d <= dataHi; d++ {
		idx = append(idx, mergeEntry(d, false))
	}
	for ; o <= oooHi; o++ {
		idx = append(idx, mergeEntry(o, true))
	}
	return idx
}

func (p *Plan) mergeLen() int64 {
	if p.MergeType == BlockNone {
		return 0
	}
	n := int64(0)
	if p.MergeDataLo > -1 {
		n += p.MergeDataHi - p.MergeDataLo + 1
	}
	if p.MergeOooLo > -1 {
		n += p.MergeOooHi - p.MergeOooLo + 1
	}
	return n
}
