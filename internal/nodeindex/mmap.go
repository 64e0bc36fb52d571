package nodeindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/paulmach/orb"
)

const (
	// Each node entry: lon (int32) + lat (int32) = 8 bytes, fixed-point
	// at 1e7 (matching the 1e-7 degree internal precision used elsewhere
	// in the pipeline).
	entrySize = 8
	// Ids above this are never produced by a real extract; interpolation's
	// synthetic node ids (default start 1e9) sit comfortably below it, so a
	// real extract and its interpolation nodes share the same address space.
	maxNodeID = 10_000_000_000
)

// SparseMmapIndex is the sparse_mmap Index backend: node coordinates live
// at a fixed offset `id * entrySize` in a sparse file, memory-mapped for
// O(1) access without holding every surviving node's location in RAM.
// Chosen for extracts whose node count makes the flex_mem backend's
// growable slices too large to keep resident.
type SparseMmapIndex struct {
	file *os.File
	data []byte
	size int64
}

// NewSparseMmapIndex creates a fresh sparse-file index backed by path,
// truncated to the full address space up front. On Linux/most POSIX
// filesystems this allocates no disk blocks until a given region is
// actually written, so the file's apparent size does not reflect real
// usage.
func NewSparseMmapIndex(path string) (*SparseMmapIndex, error) {
	size := int64(maxNodeID) * entrySize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create sparse node index: %w", err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size sparse node index: %w", err)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap sparse node index: %w", err)
	}

	return &SparseMmapIndex{file: f, data: data, size: size}, nil
}

// Set implements Index. Locations at exactly (0,0) are indistinguishable
// from an unset entry (the null-island edge case); unlike flex_mem, which
// tracks set entries separately, this backend keeps no presence bitmap.
func (m *SparseMmapIndex) Set(id int64, loc orb.Point) {
	if id < 0 || id >= maxNodeID {
		return
	}
	offset := id * entrySize

	lonInt := int32(loc[0] * 1e7)
	latInt := int32(loc[1] * 1e7)

	binary.LittleEndian.PutUint32(m.data[offset:], uint32(lonInt))
	binary.LittleEndian.PutUint32(m.data[offset+4:], uint32(latInt))
}

// Get implements Index.
func (m *SparseMmapIndex) Get(id int64) (orb.Point, bool) {
	if id < 0 || id >= maxNodeID {
		return orb.Point{}, false
	}
	offset := id * entrySize
	if offset+entrySize > m.size {
		return orb.Point{}, false
	}

	lonInt := int32(binary.LittleEndian.Uint32(m.data[offset:]))
	latInt := int32(binary.LittleEndian.Uint32(m.data[offset+4:]))

	if lonInt == 0 && latInt == 0 {
		return orb.Point{}, false
	}

	return orb.Point{float64(lonInt) / 1e7, float64(latInt) / 1e7}, true
}

// sync flushes mapped pages to disk; exposed via Close rather than as its
// own Index method since the interface has no other caller for it.
func (m *SparseMmapIndex) sync() error {
	_, _, errno := syscall.Syscall(syscall.SYS_MSYNC,
		uintptr(unsafe.Pointer(&m.data[0])),
		uintptr(len(m.data)),
		uintptr(syscall.MS_SYNC))
	if errno != 0 {
		return errno
	}
	return nil
}

// Close implements Index, syncing and unmapping the backing file. The
// caller is responsible for removing the temp file once done with it.
func (m *SparseMmapIndex) Close() error {
	syncErr := m.sync()
	if err := syscall.Munmap(m.data); err != nil {
		m.file.Close()
		return err
	}
	if err := m.file.Close(); err != nil {
		return err
	}
	return syncErr
}
