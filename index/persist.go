package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/internal/hash"
	"github.com/hupe1980/bitharbor/internal/hnsw"
	"github.com/hupe1980/bitharbor/model"
)

const (
	// DefaultDir is the blob prefix snapshots are stored under.
	DefaultDir = "index"

	// PointerName is the pointer file naming the published build.
	PointerName = "CURRENT"

	snapshotPrefix  = "SNAPSHOT-"
	snapshotSuffix  = ".bin"
	snapshotVersion = 1
	// magic[4] | version u16 | compression u8 | reserved u8 | build u64 |
	// highWater u64 | dim u32 | payloadLen u64 | rawLen u64 | crc32c u32
	snapshotHeaderSize = 4 + 2 + 1 + 1 + 8 + 8 + 4 + 8 + 8 + 4
)

var snapshotMagic = [4]byte{'H', 'B', 'I', 'X'}

var (
	// ErrCorruptPointer is returned when the pointer file does not name a
	// readable snapshot.
	ErrCorruptPointer = errs.New(errs.ErrConsistency, "index: corrupt snapshot pointer")

	// ErrCorruptSnapshot is returned when a snapshot file fails validation.
	ErrCorruptSnapshot = errs.New(errs.ErrConsistency, "index: corrupt snapshot")

	// ErrNoSnapshot is returned by Load when nothing has been published.
	ErrNoSnapshot = errs.New(errs.ErrNotFound, "index: no published snapshot")
)

// SnapshotName returns the blob name of build under dir.
func SnapshotName(dir string, build uint64) string {
	return path.Join(dir, fmt.Sprintf("%s%08d%s", snapshotPrefix, build, snapshotSuffix))
}

func pointerPath(dir string) string { return path.Join(dir, PointerName) }

// Save writes snap under dir and then moves the pointer to it. A reader
// that follows the pointer therefore always finds a complete snapshot.
func Save(ctx context.Context, blobs blobstore.BlobStore, dir string, snap *Snapshot, c Compression) error {
	data, err := encodeSnapshot(snap, c)
	if err != nil {
		return err
	}
	if err := blobs.Put(ctx, SnapshotName(dir, snap.build), data); err != nil {
		return errs.Transient("index save snapshot", err)
	}
	ptr := []byte(strconv.FormatUint(snap.build, 10))
	if err := blobs.Put(ctx, pointerPath(dir), ptr); err != nil {
		return errs.Transient("index save pointer", err)
	}
	return nil
}

// ReadPointer returns the build named by the pointer file.
func ReadPointer(ctx context.Context, blobs blobstore.BlobStore, dir string) (uint64, error) {
	data, err := blobstore.ReadFile(ctx, blobs, pointerPath(dir))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return 0, ErrNoSnapshot
		}
		return 0, errs.Transient("index read pointer", err)
	}
	build, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || build == 0 {
		return 0, fmt.Errorf("%w: %q", ErrCorruptPointer, data)
	}
	return build, nil
}

// Load follows the pointer under dir and loads the snapshot it names,
// reading vectors through src. src must cover the snapshot's high-water.
func Load(ctx context.Context, blobs blobstore.BlobStore, dir string, src Rows, policy FilterPolicy, efSearch int) (*Snapshot, error) {
	build, err := ReadPointer(ctx, blobs, dir)
	if err != nil {
		return nil, err
	}
	data, err := blobstore.ReadFile(ctx, blobs, SnapshotName(dir, build))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: build %d is missing", ErrCorruptPointer, build)
		}
		return nil, errs.Transient("index read snapshot", err)
	}
	snap, err := decodeSnapshot(data, src)
	if err != nil {
		return nil, err
	}
	if snap.build != build {
		return nil, fmt.Errorf("%w: file holds build %d, pointer names %d", ErrCorruptPointer, snap.build, build)
	}
	snap.policy = policy
	snap.efSearch = efSearch
	return snap, nil
}

// ListBuilds returns the builds with a snapshot file under dir, ascending.
func ListBuilds(ctx context.Context, blobs blobstore.BlobStore, dir string) ([]uint64, error) {
	names, err := blobs.List(ctx, dir+"/")
	if err != nil {
		return nil, errs.Transient("index list", err)
	}
	var builds []uint64
	for _, name := range names {
		base := path.Base(name)
		if !strings.HasPrefix(base, snapshotPrefix) || !strings.HasSuffix(base, snapshotSuffix) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(base, snapshotPrefix), snapshotSuffix), 10, 64)
		if err != nil {
			continue
		}
		builds = append(builds, n)
	}
	slices.Sort(builds)
	return builds, nil
}

// Prune deletes snapshot files older than the newest keep builds, never
// touching current.
func Prune(ctx context.Context, blobs blobstore.BlobStore, dir string, keep int, current uint64) error {
	builds, err := ListBuilds(ctx, blobs, dir)
	if err != nil {
		return err
	}
	if len(builds) <= keep {
		return nil
	}
	var errList []error
	for _, b := range builds[:len(builds)-keep] {
		if b == current {
			continue
		}
		if err := blobs.Delete(ctx, SnapshotName(dir, b)); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

// payload, before compression:
//
//	nodes u32 | rows [nodes]u64 | types u8 | (type u8 | len u32 | roaring)* | graph
func encodeSnapshot(s *Snapshot, c Compression) ([]byte, error) {
	var raw bytes.Buffer
	raw.Grow(4 + 8*len(s.rows))
	raw.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(s.rows))))
	var row [8]byte
	for _, r := range s.rows {
		binary.LittleEndian.PutUint64(row[:], uint64(r))
		raw.Write(row[:])
	}

	types := make([]model.MediaType, 0, len(s.types))
	for t := range s.types {
		types = append(types, t)
	}
	slices.Sort(types)
	raw.WriteByte(byte(len(types)))
	for _, t := range types {
		bm, err := s.types[t].ToBytes()
		if err != nil {
			return nil, err
		}
		raw.WriteByte(byte(t))
		raw.Write(binary.LittleEndian.AppendUint32(nil, uint32(len(bm))))
		raw.Write(bm)
	}
	if _, err := s.graph.WriteTo(&raw); err != nil {
		return nil, err
	}

	payload, used, err := compress(raw.Bytes(), c)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, snapshotHeaderSize+len(payload))
	out = append(out, snapshotMagic[:]...)
	out = binary.LittleEndian.AppendUint16(out, snapshotVersion)
	out = append(out, byte(used), 0)
	out = binary.LittleEndian.AppendUint64(out, s.build)
	out = binary.LittleEndian.AppendUint64(out, s.highWater)
	out = binary.LittleEndian.AppendUint32(out, uint32(s.dim))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(payload)))
	out = binary.LittleEndian.AppendUint64(out, uint64(raw.Len()))
	out = binary.LittleEndian.AppendUint32(out, hash.CRC32C(payload))
	return append(out, payload...), nil
}

func decodeSnapshot(data []byte, src Rows) (*Snapshot, error) {
	if len(data) < snapshotHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptSnapshot, len(data))
	}
	if [4]byte(data[0:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptSnapshot)
	}
	if v := binary.LittleEndian.Uint16(data[4:6]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, v)
	}
	c := Compression(data[6])
	s := &Snapshot{
		build:     binary.LittleEndian.Uint64(data[8:16]),
		highWater: binary.LittleEndian.Uint64(data[16:24]),
		dim:       int(binary.LittleEndian.Uint32(data[24:28])),
		types:     make(map[model.MediaType]*roaring.Bitmap),
		builtAt:   time.Now(),
	}
	payloadLen := binary.LittleEndian.Uint64(data[28:36])
	rawLen := binary.LittleEndian.Uint64(data[36:44])
	crc := binary.LittleEndian.Uint32(data[44:48])

	payload := data[snapshotHeaderSize:]
	if uint64(len(payload)) != payloadLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorruptSnapshot, len(payload), payloadLen)
	}
	if err := hash.Verify(payload, crc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if src.Len() < s.highWater {
		return nil, errs.Consistency("index load",
			fmt.Errorf("snapshot covers %d rows but the vector store has %d", s.highWater, src.Len()))
	}

	raw, err := decompress(payload, c, int(rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptSnapshot, c, err)
	}

	r := bytes.NewReader(raw)
	var u32 [4]byte
	var u64 [8]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	nodes := binary.LittleEndian.Uint32(u32[:])
	if uint64(nodes) > s.highWater {
		return nil, fmt.Errorf("%w: %d nodes above high-water %d", ErrCorruptSnapshot, nodes, s.highWater)
	}
	s.rows = make([]model.RowID, nodes)
	for i := range s.rows {
		if _, err := io.ReadFull(r, u64[:]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
		}
		row := binary.LittleEndian.Uint64(u64[:])
		if row >= s.highWater {
			return nil, fmt.Errorf("%w: row %d above high-water", ErrCorruptSnapshot, row)
		}
		s.rows[i] = model.RowID(row)
	}

	nTypes, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	for range nTypes {
		t, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
		}
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
		}
		n := binary.LittleEndian.Uint32(u32[:])
		if uint64(n) > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: bitmap length %d", ErrCorruptSnapshot, n)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
		}
		bm := roaring.New()
		if err := bm.UnmarshalBinary(buf); err != nil {
			return nil, fmt.Errorf("%w: type bitmap: %w", ErrCorruptSnapshot, err)
		}
		s.types[model.MediaType(t)] = bm
	}

	vectorOf := func(node uint32) []float32 { return src.Vector(s.rows[node]) }
	g, err := hnsw.ReadGraph(r, vectorOf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if g.Len() != len(s.rows) || g.Dim() != s.dim {
		return nil, fmt.Errorf("%w: graph has %d nodes of dim %d, want %d of dim %d",
			ErrCorruptSnapshot, g.Len(), g.Dim(), len(s.rows), s.dim)
	}
	s.graph = g
	return s, nil
}
