//go:build linux

package verity

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeHashImage(t *testing.T, sb superblock) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &sb))
	path := filepath.Join(t.TempDir(), "root.hash.img")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path
}

func testSuperblock() superblock {
	sb := superblock{
		Version:       1,
		HashType:      1,
		DataBlockSize: 4096,
		HashBlockSize: 4096,
		DataBlocks:    16384,
		SaltSize:      4,
	}
	copy(sb.Signature[:], sbSignature)
	copy(sb.Algorithm[:], "sha256")
	copy(sb.Salt[:], []byte{0xde, 0xad, 0xbe, 0xef})
	return sb
}

func TestReadSuperblock(t *testing.T) {
	path := writeHashImage(t, testSuperblock())
	sb, err := readSuperblock(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), sb.DataBlockSize)
	assert.Equal(t, uint64(16384), sb.DataBlocks)
	assert.Equal(t, "sha256", sb.algorithm())
}

func TestReadSuperblockBadSignature(t *testing.T) {
	sb := testSuperblock()
	copy(sb.Signature[:], "notverit")
	path := writeHashImage(t, sb)
	_, err := readSuperblock(path)
	assert.ErrorIs(t, err, ErrNoSuperblock)
}

func TestTableParams(t *testing.T) {
	sb := testSuperblock()
	params := sb.tableParams("/dev/loop1", "/dev/loop2", "cafe")
	assert.Equal(t, "1 /dev/loop1 /dev/loop2 4096 4096 16384 1 sha256 cafe deadbeef", params)
}

func TestLengthSectors(t *testing.T) {
	sb := testSuperblock()
	// 16384 blocks of 4 KiB are 8 sectors each.
	assert.Equal(t, uint64(16384*8), sb.lengthSectors())
}

func TestSuperblockSize(t *testing.T) {
	assert.Equal(t, 512, binary.Size(superblock{}))
}
