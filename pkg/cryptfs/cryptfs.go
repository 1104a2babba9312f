//go:build linux

// Package cryptfs composes dm-crypt and dm-integrity targets into
// protected block devices. A volume is set up in one of four modes:
// authenticated encryption (an authenc crypt target storing its tags
// through an integrity target), integrity plus encryption with
// independent keys, encryption only, or integrity only. Keys are consumed as hex strings and split per mode.
package cryptfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/containers/compartd/pkg/devicemapper"
	"github.com/sirupsen/logrus"
)

// Mode selects which targets are stacked onto the raw block device.
type Mode int

const (
	// ModeNotImplemented passes the raw device through unprotected.
	ModeNotImplemented Mode = iota
	// ModeAuthenc is a crypt target running
	// authenc(hmac(sha256),xts(aes)) stacked on an integrity target
	// that stores the aead tags on a meta device.
	ModeAuthenc
	// ModeEncryptOnly is a plain aes-xts-plain64 crypt target.
	ModeEncryptOnly
	// ModeIntegrityEncrypt stacks an aes-xts crypt target on top of
	// a standalone hmac(sha256) integrity target.
	ModeIntegrityEncrypt
	// ModeIntegrityOnly is a standalone hmac(sha256) integrity
	// target without encryption.
	ModeIntegrityOnly
)

func (m Mode) String() string {
	switch m {
	case ModeNotImplemented:
		return "NOT_IMPLEMENTED"
	case ModeAuthenc:
		return "AUTHENC"
	case ModeEncryptOnly:
		return "ENCRYPT_ONLY"
	case ModeIntegrityEncrypt:
		return "INTEGRITY_ENCRYPT"
	case ModeIntegrityOnly:
		return "INTEGRITY_ONLY"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

const (
	// IntegrityTagSize is the per-sector MAC size in bytes.
	IntegrityTagSize = 32
	// FDEKeyLen is the xts master key size in bytes.
	FDEKeyLen = 64
	// AuthencKeyLen is the combined authenc key size in bytes.
	AuthencKeyLen = 96

	// CryptoHexKeyLen is the hex length of an xts key.
	CryptoHexKeyLen = 2 * FDEKeyLen
	// IntegrityHexKeyLen is the hex length of an hmac key.
	IntegrityHexKeyLen = 2 * IntegrityTagSize
	// AuthencHexKeyLen is the hex length of an authenc key.
	AuthencHexKeyLen = 2 * AuthencKeyLen

	cryptoTypeAuthenc = "capi:authenc(hmac(sha256),xts(aes))-random"
	cryptoTypeXTS     = "aes-xts-plain64"
	integrityType     = "hmac(sha256)"

	integrityLabelSuffix = "-integrity"
)

// KeyLengthError reports a hex key whose length does not fit the mode.
type KeyLengthError struct {
	Mode     Mode
	Expected int
	Actual   int
}

func (e *KeyLengthError) Error() string {
	return fmt.Sprintf("%s key must be %d hex chars, got %d", e.Mode, e.Expected, e.Actual)
}

// ErrZeroSizeDevice reports a block device whose size reads as zero.
var ErrZeroSizeDevice = errors.New("block device has zero size")

// DevicePath returns the mapper node path for a volume label.
func DevicePath(label string) string {
	return devicemapper.DevicePath(label)
}

// IntegrityDevLabel returns the label of the integrity child device of
// a volume.
func IntegrityDevLabel(label string) string {
	return label + integrityLabelSuffix
}

type modeTraits struct {
	encrypt, integrity, stacked bool
}

func (m Mode) traits() modeTraits {
	switch m {
	case ModeAuthenc:
		return modeTraits{encrypt: true, integrity: true, stacked: true}
	case ModeEncryptOnly:
		return modeTraits{encrypt: true}
	case ModeIntegrityEncrypt:
		return modeTraits{encrypt: true, integrity: true}
	case ModeIntegrityOnly:
		return modeTraits{integrity: true}
	}
	return modeTraits{}
}

// splitKey validates the hex key for mode and returns the crypto and
// integrity key portions as scrubbable copies.
func splitKey(key string, mode Mode, metaBlkdev string) (cryptoKey, integrityKey []byte, err error) {
	switch mode {
	case ModeAuthenc:
		if metaBlkdev == "" {
			return nil, nil, fmt.Errorf("%s requires a meta device", mode)
		}
		if len(key) != AuthencHexKeyLen {
			// Tolerated: the key provider may hand out shorter
			// keys; the kernel accepts any authenc key length.
			logrus.Warnf("authenc key is %d hex chars instead of %d, using it anyway",
				len(key), AuthencHexKeyLen)
		}
		return []byte(key), nil, nil
	case ModeEncryptOnly:
		if len(key) != CryptoHexKeyLen {
			logrus.Warnf("xts key is %d hex chars instead of %d, using it anyway",
				len(key), CryptoHexKeyLen)
		}
		return []byte(key), nil, nil
	case ModeIntegrityEncrypt:
		if metaBlkdev == "" {
			return nil, nil, fmt.Errorf("%s requires a meta device", mode)
		}
		if len(key) != CryptoHexKeyLen+IntegrityHexKeyLen {
			return nil, nil, &KeyLengthError{Mode: mode, Expected: CryptoHexKeyLen + IntegrityHexKeyLen, Actual: len(key)}
		}
		return []byte(key[:CryptoHexKeyLen]), []byte(key[CryptoHexKeyLen:]), nil
	case ModeIntegrityOnly:
		if metaBlkdev == "" {
			return nil, nil, fmt.Errorf("%s requires a meta device", mode)
		}
		if len(key) != IntegrityHexKeyLen {
			return nil, nil, &KeyLengthError{Mode: mode, Expected: IntegrityHexKeyLen, Actual: len(key)}
		}
		return nil, []byte(key), nil
	}
	return nil, nil, fmt.Errorf("unsupported cryptfs mode %s", mode)
}

func scrub(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// NeedsMetaDevice reports whether the mode stores integrity metadata
// on a companion device.
func (m Mode) NeedsMetaDevice() bool {
	return m.traits().integrity
}

// SetupVolume builds the protection stack for a volume and returns the
// path of the topmost block device. In ModeNotImplemented the raw
// device path is returned unchanged. On failure every device created
// here is torn down again before returning.
func SetupVolume(label, realBlkdev, key, metaBlkdev string, mode Mode) (string, error) {
	if label == "" || realBlkdev == "" || key == "" {
		return "", fmt.Errorf("label, device and key must be set")
	}
	if mode == ModeNotImplemented {
		logrus.Warnf("cryptfs mode NOT_IMPLEMENTED, passing through %s", realBlkdev)
		return realBlkdev, nil
	}

	tr := mode.traits()

	cryptoKey, integrityKey, err := splitKey(key, mode, metaBlkdev)
	if err != nil {
		return "", err
	}
	defer scrub(cryptoKey)
	defer scrub(integrityKey)

	fsSize, err := deviceSizeSectors(realBlkdev)
	if err != nil {
		return "", err
	}
	logrus.Debugf("Volume %s: %d sectors on %s", label, fsSize, realBlkdev)

	ctrl, err := devicemapper.OpenControl()
	if err != nil {
		return "", err
	}
	defer ctrl.Close()

	var (
		integrityBlkdev string
		cryptoBlkdev    string
		initialFormat   bool
	)

	fail := func(err error) (string, error) {
		if cryptoBlkdev != "" {
			if derr := deleteCryptoBlkDev(ctrl, label); derr != nil {
				logrus.Warnf("Rollback of crypt device %s failed: %v", label, derr)
			}
		}
		if integrityBlkdev != "" {
			if derr := deleteIntegrityBlkDev(ctrl, IntegrityDevLabel(label)); derr != nil {
				logrus.Warnf("Rollback of integrity device %s failed: %v", IntegrityDevLabel(label), derr)
			}
		}
		return "", err
	}

	if tr.integrity {
		sectors, formatted, err := providedDataSectors(metaBlkdev)
		if err != nil {
			return "", err
		}
		initialFormat = !formatted || sectors != fsSize
		if initialFormat && formatted {
			logrus.Infof("Meta device %s provides %d sectors but volume has %d, reformatting",
				metaBlkdev, sectors, fsSize)
		}

		integrityBlkdev, err = createIntegrityBlkDev(ctrl, realBlkdev, metaBlkdev,
			string(integrityKey), IntegrityDevLabel(label), fsSize, tr.stacked)
		if err != nil {
			return fail(fmt.Errorf("creating integrity device for %s: %w", label, err))
		}
	}

	if tr.encrypt {
		backing := realBlkdev
		if metaBlkdev != "" {
			backing = integrityBlkdev
		}
		cryptoBlkdev, err = createCryptoBlkDev(ctrl, backing, string(cryptoKey), label, fsSize, tr.stacked)
		if err != nil {
			return fail(fmt.Errorf("creating crypt device for %s: %w", label, err))
		}
	} else {
		cryptoBlkdev = integrityBlkdev
	}

	if initialFormat {
		// Without this pass the integrity target returns I/O errors
		// on reads of sectors that never got a MAC, including the
		// read-modify-write path of sub-block writes.
		logrus.Infof("Generating initial MACs on %s through %s", label, cryptoBlkdev)
		if err := writeZeros(cryptoBlkdev, fsSize*512); err != nil {
			logrus.Warnf("Zero-format of %s failed (%v), retrying with O_DIRECT", cryptoBlkdev, err)
			if err := writeZerosDirect(cryptoBlkdev, fsSize); err != nil {
				return fail(fmt.Errorf("formatting %s: %w", cryptoBlkdev, err))
			}
		}
	}

	return cryptoBlkdev, nil
}

// DeleteBlkDev removes the volume's devices, crypt before integrity.
// Devices that are already gone are not an error, so a second teardown
// is a no-op.
func DeleteBlkDev(label string, mode Mode) error {
	tr := mode.traits()
	if !tr.encrypt && !tr.integrity {
		return fmt.Errorf("unsupported cryptfs mode %s", mode)
	}

	ctrl, err := devicemapper.OpenControl()
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if tr.encrypt {
		if err := deleteCryptoBlkDev(ctrl, label); err != nil {
			return fmt.Errorf("deleting crypt device %s: %w", label, err)
		}
	}
	if tr.integrity {
		if err := deleteIntegrityBlkDev(ctrl, IntegrityDevLabel(label)); err != nil {
			return fmt.Errorf("deleting integrity device %s: %w", IntegrityDevLabel(label), err)
		}
	}
	return nil
}

func deviceSizeSectors(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening volume %s: %w", path, err)
	}
	defer f.Close()

	fsSize, err := devicemapper.BlockDeviceSizeSectors(f)
	if err != nil {
		return 0, fmt.Errorf("reading size of %s: %w", path, err)
	}
	if fsSize == 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrZeroSizeDevice)
	}
	return fsSize, nil
}
