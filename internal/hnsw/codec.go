package hnsw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hupe1980/bitharbor/distance"
)

const codecVersion = 1

var codecMagic = [4]byte{'H', 'N', 'S', 'W'}

// header layout, little endian:
//
//	magic[4] | version u16 | metric u8 | heuristic u8 | m u32 | efc u32 |
//	efs u32 | seed i64 | dim u32 | nodes u32 | entry u32 | maxLevel i32
const codecHeaderSize = 4 + 2 + 1 + 1 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4

// WriteTo serializes the graph structure. Vectors are not included.
//
// Each node is written as its level followed, per level, by a u16 link
// count and the u32 link targets.
func (g *Graph) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriterSize(w, 64<<10)}

	hdr := make([]byte, 0, codecHeaderSize)
	hdr = append(hdr, codecMagic[:]...)
	hdr = binary.LittleEndian.AppendUint16(hdr, codecVersion)
	hdr = append(hdr, byte(g.opts.Metric), boolByte(g.opts.Heuristic))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(g.opts.M))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(g.opts.EFConstruction))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(g.opts.EFSearch))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(g.opts.Seed))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(g.dim))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(g.levels)))
	hdr = binary.LittleEndian.AppendUint32(hdr, g.entry)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(int32(g.maxLevel)))
	if _, err := cw.Write(hdr); err != nil {
		return cw.n, err
	}

	buf := make([]byte, 0, 1+2*(maxLevel+1)+4*g.m0*(maxLevel+1))
	for id, lv := range g.levels {
		buf = append(buf[:0], lv)
		for l := 0; l <= int(lv); l++ {
			links := g.links[id][l]
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(links)))
			for _, nb := range links {
				buf = binary.LittleEndian.AppendUint32(buf, nb)
			}
		}
		if _, err := cw.Write(buf); err != nil {
			return cw.n, err
		}
	}
	return cw.n, cw.w.(*bufio.Writer).Flush()
}

// ReadGraph deserializes a graph written by WriteTo. vectors must serve the
// same vectors the graph was built over.
func ReadGraph(r io.Reader, vectors VectorFunc) (*Graph, error) {
	br := bufio.NewReaderSize(r, 64<<10)

	hdr := make([]byte, codecHeaderSize)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorruptGraph, err)
	}
	if [4]byte(hdr[0:4]) != codecMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptGraph)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != codecVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptGraph, v)
	}
	opts := Options{
		Metric:         distance.Metric(hdr[6]),
		Heuristic:      hdr[7] != 0,
		M:              int(binary.LittleEndian.Uint32(hdr[8:12])),
		EFConstruction: int(binary.LittleEndian.Uint32(hdr[12:16])),
		EFSearch:       int(binary.LittleEndian.Uint32(hdr[16:20])),
		Seed:           int64(binary.LittleEndian.Uint64(hdr[20:28])),
	}
	dim := int(binary.LittleEndian.Uint32(hdr[28:32]))
	n := int(binary.LittleEndian.Uint32(hdr[32:36]))
	entry := binary.LittleEndian.Uint32(hdr[36:40])
	top := int(int32(binary.LittleEndian.Uint32(hdr[40:44])))

	if opts.M < minimumM {
		return nil, fmt.Errorf("%w: m %d", ErrCorruptGraph, opts.M)
	}
	if (n == 0) != (top < 0) || top > maxLevel || (n > 0 && int(entry) >= n) {
		return nil, fmt.Errorf("%w: entry %d level %d for %d nodes", ErrCorruptGraph, entry, top, n)
	}

	g, err := newGraph(n, dim, vectors, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptGraph, err)
	}
	g.entry = entry
	g.maxLevel = top

	var tmp [4]byte
	for id := 0; id < n; id++ {
		lv, err := br.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: node %d: %w", ErrCorruptGraph, id, err)
		}
		if int(lv) > top {
			return nil, fmt.Errorf("%w: node %d level %d above max %d", ErrCorruptGraph, id, lv, top)
		}
		g.levels[id] = lv
		g.links[id] = make([][]uint32, int(lv)+1)
		for l := 0; l <= int(lv); l++ {
			if _, err := io.ReadFull(br, tmp[:2]); err != nil {
				return nil, fmt.Errorf("%w: node %d: %w", ErrCorruptGraph, id, err)
			}
			count := int(binary.LittleEndian.Uint16(tmp[:2]))
			if count > g.maxConns(l) {
				return nil, fmt.Errorf("%w: node %d has %d links on level %d", ErrCorruptGraph, id, count, l)
			}
			links := make([]uint32, count)
			for i := range links {
				if _, err := io.ReadFull(br, tmp[:4]); err != nil {
					return nil, fmt.Errorf("%w: node %d: %w", ErrCorruptGraph, id, err)
				}
				nb := binary.LittleEndian.Uint32(tmp[:4])
				if int(nb) >= n {
					return nil, fmt.Errorf("%w: node %d links to %d", ErrCorruptGraph, id, nb)
				}
				links[i] = nb
			}
			g.links[id][l] = links
		}
	}
	if n > 0 && int(g.levels[entry]) != top {
		return nil, fmt.Errorf("%w: entry point %d is not on level %d", ErrCorruptGraph, entry, top)
	}
	return g, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
