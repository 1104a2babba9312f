//go:build linux

package cryptfs

import (
	"errors"
	"fmt"

	"github.com/containers/compartd/pkg/devicemapper"
	"github.com/sirupsen/logrus"
)

// integrityParams builds the dm-integrity table parameter string.
// Journal mode is always J; the stacked (authenc) variant leaves tag
// generation to the crypt target above it, the standalone variant runs
// its own hmac(sha256) over the meta device.
func integrityParams(realBlkdev, metaBlkdev, key string, stacked bool) string {
	var extra string
	if stacked {
		extra = fmt.Sprintf("1 meta_device:%s", metaBlkdev)
	} else {
		extra = fmt.Sprintf("3 meta_device:%s internal_hash:%s:%s allow_discards",
			metaBlkdev, integrityType, key)
	}
	return fmt.Sprintf("%s 0 %d J %s", realBlkdev, IntegrityTagSize, extra)
}

// cryptParams builds the dm-crypt table parameter string. In stacked
// mode the target runs the authenc capi cipher and stores the aead tag
// through the integrity device below.
func cryptParams(realBlkdev, key string, stacked bool) string {
	cryptoType := cryptoTypeXTS
	extra := "1 allow_discards"
	if stacked {
		cryptoType = cryptoTypeAuthenc
		extra = fmt.Sprintf("1 integrity:%d:aead", IntegrityTagSize)
	}
	return fmt.Sprintf("%s %s 0 %s 0 %s", cryptoType, key, realBlkdev, extra)
}

func createIntegrityBlkDev(ctrl *devicemapper.Control, realBlkdev, metaBlkdev, key, name string, fsSize uint64, stacked bool) (string, error) {
	if !stacked && key == "" {
		return "", errors.New("standalone integrity device requires a key")
	}

	if err := ctrl.CreateDevice(name); err != nil {
		return "", err
	}

	table := devicemapper.Table{
		TargetType: "integrity",
		Length:     fsSize,
		Params:     integrityParams(realBlkdev, metaBlkdev, key, stacked),
	}
	if err := ctrl.LoadTable(name, table); err != nil {
		return "", cleanupFailedCreate(ctrl, name, err)
	}

	if err := ctrl.Resume(name); err != nil {
		return "", cleanupFailedCreate(ctrl, name, fmt.Errorf("resuming %s: %w", name, err))
	}

	device, err := ctrl.MakeNode(name)
	if err != nil {
		return "", cleanupFailedCreate(ctrl, name, fmt.Errorf("creating device node for %s: %w", name, err))
	}
	logrus.Debugf("Created integrity device %s on %s", device, realBlkdev)
	return device, nil
}

func createCryptoBlkDev(ctrl *devicemapper.Control, realBlkdev, key, name string, fsSize uint64, stacked bool) (string, error) {
	if err := ctrl.CreateDevice(name); err != nil {
		return "", err
	}

	table := devicemapper.Table{
		TargetType: "crypt",
		Length:     fsSize,
		Params:     cryptParams(realBlkdev, key, stacked),
		Flags:      devicemapper.ExistsFlag,
	}
	if err := ctrl.LoadTable(name, table); err != nil {
		return "", cleanupFailedCreate(ctrl, name, err)
	}

	if err := ctrl.Resume(name); err != nil {
		return "", cleanupFailedCreate(ctrl, name, fmt.Errorf("resuming %s: %w", name, err))
	}

	device, err := ctrl.MakeNode(name)
	if err != nil {
		return "", cleanupFailedCreate(ctrl, name, fmt.Errorf("creating device node for %s: %w", name, err))
	}
	logrus.Debugf("Created crypt device %s on %s", device, realBlkdev)
	return device, nil
}

// cleanupFailedCreate removes a half-created mapping so a later retry
// starts from a clean table.
func cleanupFailedCreate(ctrl *devicemapper.Control, name string, cause error) error {
	if err := ctrl.RemoveDevice(name); err != nil && !errors.Is(err, devicemapper.ErrNoSuchDevice) {
		logrus.Warnf("Could not remove half-created device %s: %v", name, err)
	}
	return cause
}

func deleteCryptoBlkDev(ctrl *devicemapper.Control, name string) error {
	if err := ctrl.RemoveDevice(name); err != nil {
		if !errors.Is(err, devicemapper.ErrNoSuchDevice) {
			return err
		}
		logrus.Debugf("Crypt device %s already gone", name)
	}
	return devicemapper.RemoveNode(name)
}

func deleteIntegrityBlkDev(ctrl *devicemapper.Control, name string) error {
	if err := ctrl.RemoveDevice(name); err != nil {
		if !errors.Is(err, devicemapper.ErrNoSuchDevice) {
			return err
		}
		logrus.Debugf("Integrity device %s already gone", name)
	}
	return devicemapper.RemoveNode(name)
}
