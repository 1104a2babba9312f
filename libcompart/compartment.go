package libcompart

import (
	"sync"

	"github.com/containers/compartd/libcompart/define"
	"github.com/containers/storage/pkg/idtools"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// IDShifter registers a mount for an idmapped-mount binding so file
// ownership inside the image maps into the compartment's user
// namespace. The implementation lives with the namespace module of the
// lifecycle framework.
type IDShifter interface {
	// ShiftMount registers src to appear id-shifted at target; lower
	// is the overlay lower dir when src is an overlay scratch mount,
	// empty otherwise.
	ShiftMount(src, target, lower string) error
}

// ImageVerifier checks the integrity of a guest-OS image against its
// signed metadata.
type ImageVerifier interface {
	CheckImage(entry *define.MountEntry) error
}

// Compartment describes the isolated execution environment whose root
// filesystem the volume layer assembles. It is a view onto the
// lifecycle framework's container object, reduced to what volume setup
// needs.
type Compartment struct {
	// ID is embedded into every device-mapper label and scratch path
	// of the compartment, so concurrent compartments cannot collide.
	ID uuid.UUID
	// Name is used for logging only.
	Name string

	// ImagesDir holds the compartment's private images.
	ImagesDir string
	// GuestOSDir holds the shared guest-OS images.
	GuestOSDir string

	// MountLabel is applied to mount data of image mounts.
	MountLabel string

	// Key returns the volume hex key, or "" when the compartment has
	// none. How the key is obtained (TPM, smartcard) is not this
	// layer's business.
	Key func() string

	// UserNS, NetNS and SetupMode mirror the compartment flags that
	// change mount behavior.
	UserNS    bool
	NetNS     bool
	SetupMode bool
	// HostedMode selects pivot_root over move-mount for the root
	// switch.
	HostedMode bool
	// Management marks the privileged management compartment (c0),
	// which never encrypts its own volumes.
	Management bool
	// ModuleLoad grants the compartment access to the host's kernel
	// modules via a read-only bind mount.
	ModuleLoad bool

	// Mappings are the user-namespace id mappings of the compartment.
	Mappings *idtools.IDMappings

	// Shifter registers idmapped mounts; nil disables shifting.
	Shifter IDShifter

	// Verifier checks guest-OS images; nil skips verification.
	Verifier ImageVerifier

	// Audit receives the security-relevant volume events; nil falls
	// back to plain logging.
	Audit Audit

	// DeviceAllowed filters device nodes copied into the
	// compartment's /dev; nil allows everything.
	DeviceAllowed func(devType byte, major, minor uint32) bool

	waitMu sync.Mutex
	wait   sync.WaitGroup
}

// shiftIDs registers a mount for id shifting, a no-op without a
// shifter.
func (c *Compartment) shiftIDs(src, target, lower string) error {
	if c.Shifter == nil {
		logrus.Debugf("No id shifter configured, leaving %s unshifted", target)
		return nil
	}
	return c.Shifter.ShiftMount(src, target, lower)
}

// rootPair returns the host uid/gid that map to root inside the
// compartment.
func (c *Compartment) rootPair() idtools.IDPair {
	if c.Mappings == nil {
		return idtools.IDPair{UID: 0, GID: 0}
	}
	return c.Mappings.RootPair()
}

// trackWorker registers a background worker with the compartment-scoped
// wait registry.
func (c *Compartment) trackWorker(name string, fn func()) {
	c.waitMu.Lock()
	c.wait.Add(1)
	c.waitMu.Unlock()
	go func() {
		defer c.wait.Done()
		logrus.Debugf("Background worker %s for %s started", name, c.Name)
		fn()
	}()
}

// WaitWorkers blocks until all background workers of the compartment
// have finished.
func (c *Compartment) WaitWorkers() {
	c.wait.Wait()
}

func (c *Compartment) audit() Audit {
	if c.Audit == nil {
		return logAudit{}
	}
	return c.Audit
}
