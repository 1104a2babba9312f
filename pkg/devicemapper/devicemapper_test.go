//go:build linux

package devicemapper

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructSizes(t *testing.T) {
	// Must match sizeof(struct dm_ioctl) and sizeof(struct
	// dm_target_spec) from <linux/dm-ioctl.h>, or every ioctl here
	// corrupts memory.
	assert.Equal(t, uint32(312), hdrSize)
	assert.Equal(t, uint32(40), tgtSize)
}

func TestCmdNumbers(t *testing.T) {
	// _IOWR(0xfd, nr, struct dm_ioctl) with sizeof == 312 (0x138).
	assert.Equal(t, uintptr(0xc138fd03), dmDevCreate)
	assert.Equal(t, uintptr(0xc138fd09), dmTableLoad)
}

func TestEncodeTable(t *testing.T) {
	buf := make([]byte, bufferSize)
	table := Table{
		TargetType: "integrity",
		Length:     131072,
		Params:     "/dev/loop7 0 32 J 1 meta_device:/dev/loop8",
		Flags:      0,
	}
	require.NoError(t, encodeTable(buf, "test-integrity", table))

	io := (*dmIoctl)(unsafe.Pointer(&buf[0]))
	assert.Equal(t, [3]uint32{4, 0, 0}, io.Version)
	assert.Equal(t, uint32(bufferSize), io.DataSize)
	assert.Equal(t, hdrSize, io.DataStart)
	assert.Equal(t, uint32(1), io.TargetCount)
	name := io.Name[:bytes.IndexByte(io.Name[:], 0)]
	assert.Equal(t, "test-integrity", string(name))

	tgt := (*dmTargetSpec)(unsafe.Pointer(&buf[hdrSize]))
	assert.Equal(t, uint64(0), tgt.SectorStart)
	assert.Equal(t, uint64(131072), tgt.Length)
	tt := tgt.TargetType[:bytes.IndexByte(tgt.TargetType[:], 0)]
	assert.Equal(t, "integrity", string(tt))

	// Params start right after the target spec, NUL terminated.
	paramsStart := hdrSize + tgtSize
	params := buf[paramsStart : paramsStart+uint32(len(table.Params))]
	assert.Equal(t, table.Params, string(params))
	assert.Equal(t, byte(0), buf[paramsStart+uint32(len(table.Params))])

	// Next is 8-byte aligned and points past the padded params,
	// relative to the end of the dm_ioctl header.
	assert.Zero(t, tgt.Next%8)
	assert.GreaterOrEqual(t, tgt.Next, tgtSize+uint32(len(table.Params))+1)
	assert.Less(t, tgt.Next, tgtSize+uint32(len(table.Params))+1+8)
}

func TestEncodeTableFlags(t *testing.T) {
	buf := make([]byte, bufferSize)
	table := Table{
		TargetType: "crypt",
		Length:     2048,
		Params:     "aes-xts-plain64 00ff 0 /dev/loop0 0 1 allow_discards",
		Flags:      ExistsFlag,
	}
	require.NoError(t, encodeTable(buf, "vol", table))
	io := (*dmIoctl)(unsafe.Pointer(&buf[0]))
	assert.Equal(t, uint32(ExistsFlag), io.Flags)
}

func TestEncodeTableOverflow(t *testing.T) {
	buf := make([]byte, bufferSize)
	table := Table{
		TargetType: "crypt",
		Params:     string(make([]byte, bufferSize)),
	}
	assert.Error(t, encodeTable(buf, "vol", table))
}

func TestDevicePath(t *testing.T) {
	assert.Equal(t, "/dev/mapper/c0-root", DevicePath("c0-root"))
}
