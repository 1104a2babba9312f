//go:build linux

// Package verity creates read-only dm-verity mappings from a data
// image, a hash-tree image and an expected root hash.
package verity

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/containers/compartd/pkg/devicemapper"
	"github.com/containers/compartd/pkg/loopdev"
	"github.com/sirupsen/logrus"
)

const sbSignature = "verity\x00\x00"

// superblock is the on-disk dm-verity superblock at the start of the
// hash device.
type superblock struct {
	Signature     [8]byte
	Version       uint32
	HashType      uint32
	UUID          [16]byte
	Algorithm     [32]byte
	DataBlockSize uint32
	HashBlockSize uint32
	DataBlocks    uint64
	SaltSize      uint16
	_             [6]byte
	Salt          [256]byte
	_             [168]byte
}

// ErrNoSuperblock indicates a hash image without a verity superblock.
var ErrNoSuperblock = errors.New("no verity superblock found")

// DevicePath returns the mapper node path for a verity label.
func DevicePath(label string) string {
	return devicemapper.DevicePath(label)
}

func readSuperblock(path string) (*superblock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening hash device %s: %w", path, err)
	}
	defer f.Close()

	var sb superblock
	if err := binary.Read(f, binary.LittleEndian, &sb); err != nil {
		return nil, fmt.Errorf("reading verity superblock from %s: %w", path, err)
	}
	if !bytes.Equal(sb.Signature[:], []byte(sbSignature)) {
		return nil, fmt.Errorf("%s: %w", path, ErrNoSuperblock)
	}
	if sb.DataBlockSize == 0 || sb.DataBlockSize%512 != 0 {
		return nil, fmt.Errorf("%s: invalid data block size %d", path, sb.DataBlockSize)
	}
	return &sb, nil
}

func (sb *superblock) algorithm() string {
	alg := sb.Algorithm[:]
	if i := bytes.IndexByte(alg, 0); i >= 0 {
		alg = alg[:i]
	}
	return string(alg)
}

// tableParams builds the version-1 verity target parameter string. The
// hash tree starts one hash block past the superblock.
func (sb *superblock) tableParams(dataDev, hashDev, rootHash string) string {
	return fmt.Sprintf("%d %s %s %d %d %d 1 %s %s %s",
		sb.Version, dataDev, hashDev,
		sb.DataBlockSize, sb.HashBlockSize, sb.DataBlocks,
		sb.algorithm(), rootHash,
		hex.EncodeToString(sb.Salt[:sb.SaltSize]))
}

func (sb *superblock) lengthSectors() uint64 {
	return sb.DataBlocks * uint64(sb.DataBlockSize/512)
}

// CreateBlkDev maps the data image read-only under label, verified
// against rootHash through the hash image. With an empty rootHash and
// allowUnverified set, the image is mapped through a plain linear
// target instead, so teardown stays uniform.
func CreateBlkDev(label, dataImg, hashImg, rootHash string, allowUnverified bool) error {
	dataDev, err := loopdev.Attach(dataImg)
	if err != nil {
		return fmt.Errorf("attaching data image %s: %w", dataImg, err)
	}

	if rootHash == "" {
		if !allowUnverified {
			detachQuiet(dataDev)
			return fmt.Errorf("no root hash for %s and unverified images not allowed", dataImg)
		}
		logrus.Warnf("Mapping %s without verification", dataImg)
		if err := createLinear(label, dataDev); err != nil {
			detachQuiet(dataDev)
			return err
		}
		dataDev.Release()
		return nil
	}

	hashDev, err := loopdev.Attach(hashImg)
	if err != nil {
		detachQuiet(dataDev)
		return fmt.Errorf("attaching hash image %s: %w", hashImg, err)
	}

	if err := createVerity(label, dataDev, hashDev, rootHash); err != nil {
		detachQuiet(hashDev)
		detachQuiet(dataDev)
		return err
	}

	// The verity target holds both backing files now.
	dataDev.Release()
	hashDev.Release()
	return nil
}

func createVerity(label string, dataDev, hashDev *loopdev.Device, rootHash string) error {
	sb, err := readSuperblock(hashDev.Path)
	if err != nil {
		return err
	}

	ctrl, err := devicemapper.OpenControl()
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.CreateDevice(label); err != nil {
		return err
	}
	table := devicemapper.Table{
		TargetType: "verity",
		Length:     sb.lengthSectors(),
		Params:     sb.tableParams(dataDev.Path, hashDev.Path, rootHash),
		Flags:      devicemapper.ReadOnlyFlag,
	}
	if err := ctrl.LoadTable(label, table); err != nil {
		return removeAfterFailure(ctrl, label, err)
	}
	if err := ctrl.Resume(label); err != nil {
		return removeAfterFailure(ctrl, label, fmt.Errorf("resuming %s: %w", label, err))
	}
	if _, err := ctrl.MakeNode(label); err != nil {
		return removeAfterFailure(ctrl, label, err)
	}
	logrus.Debugf("Created verity device %s over %s", label, dataDev.Path)
	return nil
}

func createLinear(label string, dataDev *loopdev.Device) error {
	f, err := os.Open(dataDev.Path)
	if err != nil {
		return err
	}
	sectors, err := devicemapper.BlockDeviceSizeSectors(f)
	f.Close()
	if err != nil {
		return err
	}

	ctrl, err := devicemapper.OpenControl()
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.CreateDevice(label); err != nil {
		return err
	}
	table := devicemapper.Table{
		TargetType: "linear",
		Length:     sectors,
		Params:     fmt.Sprintf("%s 0", dataDev.Path),
		Flags:      devicemapper.ReadOnlyFlag,
	}
	if err := ctrl.LoadTable(label, table); err != nil {
		return removeAfterFailure(ctrl, label, err)
	}
	if err := ctrl.Resume(label); err != nil {
		return removeAfterFailure(ctrl, label, fmt.Errorf("resuming %s: %w", label, err))
	}
	if _, err := ctrl.MakeNode(label); err != nil {
		return removeAfterFailure(ctrl, label, err)
	}
	return nil
}

// DeleteBlkDev removes a verity mapping and its device node. A mapping
// that is already gone is not an error.
func DeleteBlkDev(label string) error {
	ctrl, err := devicemapper.OpenControl()
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.RemoveDevice(label); err != nil {
		if !errors.Is(err, devicemapper.ErrNoSuchDevice) {
			return err
		}
		logrus.Debugf("Verity device %s already gone", label)
	}
	return devicemapper.RemoveNode(label)
}

func removeAfterFailure(ctrl *devicemapper.Control, label string, cause error) error {
	if err := ctrl.RemoveDevice(label); err != nil && !errors.Is(err, devicemapper.ErrNoSuchDevice) {
		logrus.Warnf("Could not remove half-created device %s: %v", label, err)
	}
	return cause
}

func detachQuiet(d *loopdev.Device) {
	if err := d.Detach(); err != nil {
		logrus.Warnf("Could not detach loop device %s: %v", d.Path, err)
	}
}
