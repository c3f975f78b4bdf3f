package vectorstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/bitharbor/internal/hash"
	"github.com/hupe1980/bitharbor/model"
)

const (
	vectorsFileName = "vectors.f32"
	idMapFileName   = "idmap.bin"

	formatVersion = 2
	headerSize    = 16

	// RecordSize is the fixed size of an id-map record.
	RecordSize = 128
	// MaxMediaIDLen is the longest media id an id-map record can hold.
	MaxMediaIDLen = 112

	flagTombstone = 1 << 0

	// flagsOffset is the position of the flags byte inside a record. The
	// byte is not covered by the checksum, so a tombstone is a single-byte
	// write that cannot tear the record around it.
	flagsOffset = 9
	crcOffset   = RecordSize - 4
)

var (
	vectorsMagic = [4]byte{'H', 'B', 'V', 'E'}
	idMapMagic   = [4]byte{'H', 'B', 'I', 'M'}

	errBadMagic   = errors.New("bad magic")
	errBadVersion = errors.New("unsupported format version")
)

// fileHeader prefixes both files:
//
//	magic[4] | version u16 | reserved u16 | dim u32 | reserved u32
type fileHeader struct {
	magic   [4]byte
	version uint16
	dim     uint32
}

func (h fileHeader) encode() []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], h.magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], h.version)
	binary.LittleEndian.PutUint32(buf[8:12], h.dim)
	return buf
}

func decodeHeader(buf []byte, magic [4]byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < headerSize {
		return h, fmt.Errorf("short header: %d bytes", len(buf))
	}
	copy(h.magic[:], buf[0:4])
	if h.magic != magic {
		return h, fmt.Errorf("%w: %q", errBadMagic, h.magic[:])
	}
	h.version = binary.LittleEndian.Uint16(buf[4:6])
	if h.version != formatVersion {
		return h, fmt.Errorf("%w: %d", errBadVersion, h.version)
	}
	h.dim = binary.LittleEndian.Uint32(buf[8:12])
	return h, nil
}

// record is one id-map entry on disk:
//
//	row_id u64 | media_type u8 | flags u8 | id_len u16 | media_id[112] | crc32c u32
//
// The checksum covers every byte before it except flags.
type record struct {
	row       model.RowID
	mediaType model.MediaType
	flags     uint8
	mediaID   string
}

func (r record) encode(buf []byte) {
	clear(buf[:RecordSize])
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.row))
	buf[8] = byte(r.mediaType)
	buf[9] = r.flags
	binary.LittleEndian.PutUint16(buf[10:12], uint16(len(r.mediaID)))
	copy(buf[12:12+MaxMediaIDLen], r.mediaID)
	binary.LittleEndian.PutUint32(buf[crcOffset:RecordSize], recordChecksum(buf))
}

func recordChecksum(buf []byte) uint32 {
	h := hash.NewCRC32C()
	_, _ = h.Write(buf[:flagsOffset])
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(buf[flagsOffset+1 : crcOffset])
	return h.Sum32()
}

func decodeRecord(buf []byte) (record, error) {
	want := binary.LittleEndian.Uint32(buf[crcOffset:RecordSize])
	if got := recordChecksum(buf); got != want {
		return record{}, fmt.Errorf("%w: got %08x, want %08x", hash.ErrChecksumMismatch, got, want)
	}
	n := binary.LittleEndian.Uint16(buf[10:12])
	if n == 0 || n > MaxMediaIDLen {
		return record{}, fmt.Errorf("media id length %d out of range", n)
	}
	return record{
		row:       model.RowID(binary.LittleEndian.Uint64(buf[0:8])),
		mediaType: model.MediaType(buf[8]),
		flags:     buf[flagsOffset],
		mediaID:   string(buf[12 : 12+int(n)]),
	}, nil
}

func (r record) tombstoned() bool { return r.flags&flagTombstone != 0 }

func encodeVector(dst []byte, v []float32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(x))
	}
}

func decodeVector(src []byte, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
	return v
}
