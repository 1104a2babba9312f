//go:build linux

package cryptfs

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	zeroBufSize    = 100 * units.MiB
	directBufSize  = 4096
	directBufAlign = 512
)

// writeZeros writes size zero bytes sequentially through the topmost
// device of a fresh volume so the integrity target materializes a MAC
// for every sector, then syncs.
func writeZeros(dev string, size uint64) error {
	f, err := os.OpenFile(dev, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("opening volume %s: %w", dev, err)
	}
	defer f.Close()

	zeros := make([]byte, zeroBufSize)
	var written uint64
	for written < size {
		towrite := size - written
		if towrite > zeroBufSize {
			towrite = zeroBufSize
		}
		n, err := f.Write(zeros[:towrite])
		if err != nil {
			return fmt.Errorf("writing %d zero bytes at %d: %w", towrite, written, err)
		}
		written += uint64(n)
	}

	logrus.Infof("Syncing %s (%s) after MAC generation", dev, units.HumanSize(float64(size)))
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dev, err)
	}
	return nil
}

// writeZerosDirect is the fallback zero pass using O_DIRECT and a small
// 512-aligned buffer, for hosts where the large buffered pass fails.
func writeZerosDirect(dev string, fsSize uint64) error {
	f, err := os.OpenFile(dev, os.O_WRONLY|unix.O_DIRECT, 0)
	if err != nil {
		return fmt.Errorf("opening volume %s: %w", dev, err)
	}
	defer f.Close()

	zeros := alignedBuf(directBufSize, directBufAlign)
	// fsSize is in 512-byte sectors, each write covers 8 of them.
	for i := uint64(0); i < fsSize/8; i++ {
		if _, err := f.Write(zeros); err != nil {
			return fmt.Errorf("writing zero block %d to %s: %w", i, dev, err)
		}
	}
	// A sector count that is not a multiple of 8 leaves a tail
	// shorter than the buffer; it needs a MAC like every other
	// sector.
	if tail := (fsSize % 8) * 512; tail > 0 {
		if _, err := f.Write(zeros[:tail]); err != nil {
			return fmt.Errorf("writing %d tail bytes to %s: %w", tail, dev, err)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dev, err)
	}
	return nil
}

// alignedBuf returns a zeroed size-byte slice whose base address is
// aligned to align, as O_DIRECT requires.
func alignedBuf(size, align int) []byte {
	raw := make([]byte, size+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+size]
}
