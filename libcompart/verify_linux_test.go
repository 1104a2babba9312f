//go:build linux

package libcompart

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containers/compartd/libcompart/define"
)

type fakeVerifier struct {
	corrupt map[string]bool
	mu      sync.Mutex
	checked []string
}

func (v *fakeVerifier) CheckImage(e *define.MountEntry) error {
	v.mu.Lock()
	v.checked = append(v.checked, e.Img)
	v.mu.Unlock()
	if v.corrupt[e.Img] {
		return errors.New("image file is corrupted")
	}
	return nil
}

type fakeAudit struct {
	mu       sync.Mutex
	success  []string
	failures []string
}

func (a *fakeAudit) Success(op string, _ uuid.UUID, _, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.success = append(a.success, op+":"+value)
}

func (a *fakeAudit) Failure(op string, _ uuid.UUID, _, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, op+":"+value)
}

func verifyTestMounter(t *testing.T, verifier *fakeVerifier, audit *fakeAudit) *Mounter {
	c := testCompartment(t)
	c.Verifier = verifier
	c.Audit = audit
	mnt := define.NewMount()
	mnt.AddEntry(&define.MountEntry{Dir: "/", Img: "root", FS: "ext4",
		Type: define.MountTypeShared, VerityHash: "cafe"})
	mnt.AddEntry(&define.MountEntry{Dir: "/base", Img: "base", FS: "ext4",
		Type: define.MountTypeOverlayRO})
	mnt.AddEntry(&define.MountEntry{Dir: "/data", Img: "data", FS: "ext4",
		Type: define.MountTypeEmpty})
	return New(c, nil, mnt, nil)
}

func TestVerifyMountEntriesSkipsVerityAndWritable(t *testing.T) {
	verifier := &fakeVerifier{}
	m := verifyTestMounter(t, verifier, &fakeAudit{})

	require.NoError(t, m.verifyMountEntries())
	// Only the unprotected read-only image is checked up front: the
	// verity-protected one is checked in background, the writable one
	// not at all.
	assert.Equal(t, []string{"base"}, verifier.checked)
}

func TestVerifyMountEntriesCorrupt(t *testing.T) {
	verifier := &fakeVerifier{corrupt: map[string]bool{"base": true}}
	m := verifyTestMounter(t, verifier, &fakeAudit{})
	assert.Error(t, m.verifyMountEntries())
}

func TestVerifyMountEntriesBackground(t *testing.T) {
	verifier := &fakeVerifier{}
	audit := &fakeAudit{}
	m := verifyTestMounter(t, verifier, audit)

	m.verifyMountEntriesBackground()
	m.compart.WaitWorkers()

	assert.Equal(t, []string{"root"}, verifier.checked)
	assert.Equal(t, []string{"verify-image:root"}, audit.success)
	assert.Empty(t, audit.failures)
}

func TestVerifyMountEntriesBackgroundCorrupt(t *testing.T) {
	verifier := &fakeVerifier{corrupt: map[string]bool{"root": true}}
	audit := &fakeAudit{}
	m := verifyTestMounter(t, verifier, audit)

	m.verifyMountEntriesBackground()
	m.compart.WaitWorkers()

	assert.Empty(t, audit.success)
	assert.Equal(t, []string{"verify-image:root"}, audit.failures)
}

func TestVerifyWithoutVerifier(t *testing.T) {
	c := testCompartment(t)
	m := New(c, nil, define.NewMount(), nil)
	assert.NoError(t, m.verifyMountEntries())
	m.verifyMountEntriesBackground()
	c.WaitWorkers()
}
