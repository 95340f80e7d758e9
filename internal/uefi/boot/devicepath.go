package boot

import "encoding/binary"

// Device-path node type/subtype pairs (spec.md 4.7, "Device paths are
// generated into loader-data memory as a two-element array terminated by
// an end-of-path record").
const (
	typeMedia = 0x04

	subtypeHardDrive = 0x01
	subtypeFilePath  = 0x04

	typeEnd    = 0x7F
	subtypeEnd = 0xFF
)

const endOfPathRecord = 4 // {type, subtype, length lo, length hi}

// appendHeader writes a device-path node header (type, subtype, u16
// length) and returns the buffer positioned after it.
func appendHeader(buf []byte, typ, subtype byte, length uint16) []byte {
	buf = append(buf, typ, subtype)
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], length)
	return append(buf, lenBuf[:]...)
}

func appendEnd(buf []byte) []byte {
	return appendHeader(buf, typeEnd, subtypeEnd, endOfPathRecord)
}

// FilePathNode generates a one-node device path carrying a UCS-2 file path
// of up to 256 code units, terminated by an end-of-path record (spec.md
// 4.7, "Supported generators: file path").
func FilePathNode(path string) []byte {
	units := encodeUCS2(path, 256)
	length := uint16(4 + len(units))
	buf := make([]byte, 0, int(length)+endOfPathRecord)
	buf = appendHeader(buf, typeMedia, subtypeFilePath, length)
	buf = append(buf, units...)
	return appendEnd(buf)
}

// MemoryRangeNode generates a device path describing an in-memory image
// as a (type, start, end) triple, terminated by an end-of-path record
// (spec.md 4.7, "Memory" load_image kind).
func MemoryRangeNode(memType uint32, start, end uint64) []byte {
	const bodyLen = 4 + 8 + 8
	length := uint16(4 + bodyLen)
	buf := make([]byte, 0, int(length)+endOfPathRecord)
	buf = appendHeader(buf, 0x03 /* Hardware */, 0x03 /* MemoryMapped */, length)
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], memType)
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint64(tmp[:], start)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], end)
	buf = append(buf, tmp[:]...)
	return appendEnd(buf)
}

// HardDriveNode generates the device-path node for a GPT partition, used
// as the controller device-path for a block/file-system handle (spec.md
// 4.7, "its device-path carrying {partition_number, GPT, first_lba,
// last_lba, partition_guid}").
func HardDriveNode(partitionNumber uint32, firstLBA, lastLBA uint64, partitionGUID [16]byte) []byte {
	const bodyLen = 4 + 8 + 8 + 16 + 1 + 1
	length := uint16(4 + bodyLen)
	buf := make([]byte, 0, int(length)+endOfPathRecord)
	buf = appendHeader(buf, typeMedia, subtypeHardDrive, length)
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], partitionNumber)
	buf = append(buf, tmp[:4]...)
	binary.LittleEndian.PutUint64(tmp[:], firstLBA)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], lastLBA)
	buf = append(buf, tmp[:]...)
	buf = append(buf, partitionGUID[:]...)
	buf = append(buf, 0x02 /* PartitionFormat: GPT */, 0x02 /* SignatureType: GUID */)
	return appendEnd(buf)
}

// encodeUCS2 encodes s as UCS-2 (truncated to maxUnits code units,
// null-terminated), the narrow subset of UTF-16 UEFI device paths use.
func encodeUCS2(s string, maxUnits int) []byte {
	runes := []rune(s)
	if len(runes) > maxUnits-1 {
		runes = runes[:maxUnits-1]
	}
	out := make([]byte, 0, (len(runes)+1)*2)
	for _, r := range runes {
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(r))
		out = append(out, b[:]...)
	}
	return append(out, 0, 0)
}
