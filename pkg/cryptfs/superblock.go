//go:build linux

package cryptfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// dm-integrity on-disk superblock, start of the meta device: 8 bytes of
// ASCII magic at offset 0, provided_data_sectors as a 64-bit
// little-endian integer at offset 16.
const (
	integritySBMagic          = "integrt"
	providedDataSectorsOffset = 16
)

// providedDataSectors probes the meta device for an existing
// dm-integrity superblock. formatted reports whether the magic was
// found; sectors is only meaningful when it was.
func providedDataSectors(metaBlkdev string) (sectors uint64, formatted bool, err error) {
	f, err := os.Open(metaBlkdev)
	if err != nil {
		return 0, false, fmt.Errorf("opening meta device %s: %w", metaBlkdev, err)
	}
	defer f.Close()
	return readProvidedDataSectors(f, metaBlkdev)
}

func readProvidedDataSectors(r io.ReaderAt, name string) (uint64, bool, error) {
	var magic [8]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return 0, false, fmt.Errorf("reading superblock magic from %s: %w", name, err)
	}
	if !bytes.Equal(magic[:len(integritySBMagic)], []byte(integritySBMagic)) || magic[len(integritySBMagic)] != 0 {
		return 0, false, nil
	}

	var raw [8]byte
	if _, err := r.ReadAt(raw[:], providedDataSectorsOffset); err != nil {
		return 0, false, fmt.Errorf("reading provided_data_sectors from %s: %w", name, err)
	}
	// A zero field (crash between magic and sectors write) reads as a
	// mismatch against any real volume size, forcing the reformat.
	return binary.LittleEndian.Uint64(raw[:]), true, nil
}
