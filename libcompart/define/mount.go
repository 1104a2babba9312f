// Package define holds the shared data model of the compartment volume
// layer: mount entries, protection modes and error kinds.
package define

// MountType describes how a mount entry is backed and composed.
type MountType int

const (
	// MountTypeShared is a read-only image shared from the guest OS.
	MountTypeShared MountType = iota
	// MountTypeSharedRW overlays a writable layer onto a shared image.
	MountTypeSharedRW
	// MountTypeDevice is a read-only copy of a raw block device.
	MountTypeDevice
	// MountTypeDeviceRW is a writable copy of a raw block device.
	MountTypeDeviceRW
	// MountTypeEmpty is a writable image created on first start.
	MountTypeEmpty
	// MountTypeCopy is a writable per-compartment copy of a guest-OS
	// image.
	MountTypeCopy
	// MountTypeOverlayRO overlays a read-only image onto the target.
	MountTypeOverlayRO
	// MountTypeOverlayRW overlays a writable image onto the target.
	MountTypeOverlayRW
	// MountTypeBindFile bind-mounts a host file read-only.
	MountTypeBindFile
	// MountTypeBindFileRW bind-mounts a host file writable.
	MountTypeBindFileRW
	// MountTypeBindDir bind-mounts a host directory read-only.
	MountTypeBindDir
	// MountTypeBindDirRW bind-mounts a host directory writable.
	MountTypeBindDirRW
	// MountTypeFlash is flashed by firmware and skipped here.
	MountTypeFlash
)

func (t MountType) String() string {
	switch t {
	case MountTypeShared:
		return "SHARED"
	case MountTypeSharedRW:
		return "SHARED_RW"
	case MountTypeDevice:
		return "DEVICE"
	case MountTypeDeviceRW:
		return "DEVICE_RW"
	case MountTypeEmpty:
		return "EMPTY"
	case MountTypeCopy:
		return "COPY"
	case MountTypeOverlayRO:
		return "OVERLAY_RO"
	case MountTypeOverlayRW:
		return "OVERLAY_RW"
	case MountTypeBindFile:
		return "BIND_FILE"
	case MountTypeBindFileRW:
		return "BIND_FILE_RW"
	case MountTypeBindDir:
		return "BIND_DIR"
	case MountTypeBindDirRW:
		return "BIND_DIR_RW"
	case MountTypeFlash:
		return "FLASH"
	}
	return "UNKNOWN"
}

// MountEntry declares one volume of a compartment. Entries are
// immutable once a start begins.
type MountEntry struct {
	// Dir is the mount point, relative to the compartment root.
	Dir string
	// Img names the backing image. Shared, flash and overlay-ro
	// entries resolve it in the guest-OS directory, bind-file entries
	// in the shared-files store, bind-dir entries take it literally,
	// everything else resolves it in the compartment images directory.
	Img string
	// FS is the filesystem type (ext4, btrfs, tmpfs).
	FS string
	// Type selects backing and composition.
	Type MountType
	// MountData is passed as filesystem-specific mount data.
	MountData string
	// Size is the image size in MiB for entries created on demand.
	Size uint64
	// VerityHash is the hex root hash for dm-verity protected
	// entries; empty disables verity.
	VerityHash string
	// Encrypted runs the image through the cryptfs stack.
	Encrypted bool
}

// IsRoot reports whether the entry provides the compartment's root
// filesystem.
func (e *MountEntry) IsRoot() bool {
	return e.Dir == "/"
}

// Mount is an ordered list of mount entries; setup walks it forward,
// teardown backward.
type Mount struct {
	entries []*MountEntry
}

// NewMount returns an empty mount list.
func NewMount() *Mount {
	return &Mount{}
}

// AddEntry appends an entry to the list and returns it.
func (m *Mount) AddEntry(e *MountEntry) *MountEntry {
	m.entries = append(m.entries, e)
	return e
}

// Count returns the number of entries.
func (m *Mount) Count() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// Entry returns the i-th entry.
func (m *Mount) Entry(i int) *MountEntry {
	return m.entries[i]
}

// Entries returns the entries in setup order.
func (m *Mount) Entries() []*MountEntry {
	if m == nil {
		return nil
	}
	return m.entries
}

const (
	// DMIntegrityMetaFactor sizes the integrity meta image relative
	// to its data image. 32-byte tags per 512-byte sector plus
	// journal fit comfortably into an eighth.
	DMIntegrityMetaFactor = 0.125

	// SharedFilesStoreSizeMB is the size of the shared-files store
	// image backing BIND_FILE mounts.
	SharedFilesStoreSizeMB = 100
)
