package hub

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile opens or creates path, truncates it to size (only meaningful on
// creation), and maps it read/write/shared. The returned file is kept open
// for the lifetime of the mapping: closing it is unnecessary for the
// mapping to remain valid on Linux, but msync/ftruncate need the fd.
func mapFile(path string, size int64, create bool) (*os.File, []byte, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open hub file %q: %w", path, err)
	}

	if create {
		if err := f.Truncate(size); err != nil {
			f.Close()
			os.Remove(path)
			return nil, nil, fmt.Errorf("failed to size hub file %q to %d bytes: %w", path, size, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to stat hub file %q: %w", path, err)
		}
		size = st.Size()
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		if create {
			os.Remove(path)
		}
		return nil, nil, fmt.Errorf("failed to mmap hub file %q (%d bytes): %w", path, size, err)
	}

	return f, buf, nil
}

// remapTo grows the current mapping to newSize, used when a peer observes
// current_size has advanced past what it has mapped (§4.1).
func remapTo(f *os.File, old []byte, newSize int64) ([]byte, error) {
	if err := unix.Munmap(old); err != nil {
		return nil, fmt.Errorf("failed to unmap hub file before remap: %w", err)
	}

	buf, err := unix.Mmap(int(f.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to remap hub file to %d bytes: %w", newSize, err)
	}

	return buf, nil
}

// mapExact maps exactly size bytes of f read/write/shared, without any of
// mapFile's create/truncate/stat logic. Used by Open, which determines the
// size itself (first HeaderSize bytes to read current_size, then the full
// current_size once known).
func mapExact(f *os.File, size int64) ([]byte, error) {
	buf, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap hub file %q (%d bytes): %w", f.Name(), size, err)
	}
	return buf, nil
}

func unmapFile(buf []byte) error {
	if buf == nil {
		return nil
	}
	return unix.Munmap(buf)
}
