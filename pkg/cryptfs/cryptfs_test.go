//go:build linux

package cryptfs

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufAddr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func hexKey(n int) string {
	return strings.Repeat("a", n)
}

func TestSplitKey(t *testing.T) {
	tests := []struct {
		name          string
		mode          Mode
		key           string
		meta          string
		wantErr       bool
		wantCrypto    string
		wantIntegrity string
	}{
		{
			name:       "authenc full key",
			mode:       ModeAuthenc,
			key:        hexKey(AuthencHexKeyLen),
			meta:       "/dev/loop1",
			wantCrypto: hexKey(AuthencHexKeyLen),
		},
		{
			name:       "authenc short key tolerated",
			mode:       ModeAuthenc,
			key:        hexKey(64),
			meta:       "/dev/loop1",
			wantCrypto: hexKey(64),
		},
		{
			name:    "authenc without meta device",
			mode:    ModeAuthenc,
			key:     hexKey(AuthencHexKeyLen),
			wantErr: true,
		},
		{
			name:          "integrity encrypt exact length",
			mode:          ModeIntegrityEncrypt,
			key:           strings.Repeat("b", CryptoHexKeyLen) + strings.Repeat("c", IntegrityHexKeyLen),
			meta:          "/dev/loop1",
			wantCrypto:    strings.Repeat("b", CryptoHexKeyLen),
			wantIntegrity: strings.Repeat("c", IntegrityHexKeyLen),
		},
		{
			name:    "integrity encrypt wrong length rejected",
			mode:    ModeIntegrityEncrypt,
			key:     hexKey(CryptoHexKeyLen),
			meta:    "/dev/loop1",
			wantErr: true,
		},
		{
			name:          "integrity only",
			mode:          ModeIntegrityOnly,
			key:           hexKey(IntegrityHexKeyLen),
			meta:          "/dev/loop1",
			wantIntegrity: hexKey(IntegrityHexKeyLen),
		},
		{
			name:    "integrity only wrong length rejected",
			mode:    ModeIntegrityOnly,
			key:     hexKey(IntegrityHexKeyLen + 2),
			meta:    "/dev/loop1",
			wantErr: true,
		},
		{
			name:       "encrypt only short key tolerated",
			mode:       ModeEncryptOnly,
			key:        hexKey(32),
			wantCrypto: hexKey(32),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cryptoKey, integrityKey, err := splitKey(tt.key, tt.mode, tt.meta)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCrypto, string(cryptoKey))
			assert.Equal(t, tt.wantIntegrity, string(integrityKey))
		})
	}
}

func TestModeTraits(t *testing.T) {
	assert.Equal(t, modeTraits{encrypt: true, integrity: true, stacked: true}, ModeAuthenc.traits())
	assert.Equal(t, modeTraits{encrypt: true, integrity: true}, ModeIntegrityEncrypt.traits())
	assert.Equal(t, modeTraits{encrypt: true}, ModeEncryptOnly.traits())
	assert.Equal(t, modeTraits{integrity: true}, ModeIntegrityOnly.traits())
	assert.Equal(t, modeTraits{}, ModeNotImplemented.traits())
}

func TestIntegrityParams(t *testing.T) {
	stacked := integrityParams("/dev/loop3", "/dev/loop4", "", true)
	assert.Equal(t, "/dev/loop3 0 32 J 1 meta_device:/dev/loop4", stacked)

	standalone := integrityParams("/dev/loop3", "/dev/loop4", hexKey(IntegrityHexKeyLen), false)
	assert.Equal(t,
		"/dev/loop3 0 32 J 3 meta_device:/dev/loop4 internal_hash:hmac(sha256):"+
			hexKey(IntegrityHexKeyLen)+" allow_discards",
		standalone)
}

func TestCryptParams(t *testing.T) {
	stacked := cryptParams("/dev/mapper/c1-data-integrity", hexKey(AuthencHexKeyLen), true)
	assert.Equal(t,
		"capi:authenc(hmac(sha256),xts(aes))-random "+hexKey(AuthencHexKeyLen)+
			" 0 /dev/mapper/c1-data-integrity 0 1 integrity:32:aead",
		stacked)

	plain := cryptParams("/dev/loop3", hexKey(CryptoHexKeyLen), false)
	assert.Equal(t,
		"aes-xts-plain64 "+hexKey(CryptoHexKeyLen)+" 0 /dev/loop3 0 1 allow_discards",
		plain)
}

func TestIntegrityDevLabel(t *testing.T) {
	assert.Equal(t, "c1-data-integrity", IntegrityDevLabel("c1-data"))
}

func sbWithSectors(sectors uint64) []byte {
	buf := make([]byte, 512)
	copy(buf, "integrt\x00")
	binary.LittleEndian.PutUint64(buf[providedDataSectorsOffset:], sectors)
	return buf
}

func TestReadProvidedDataSectors(t *testing.T) {
	sectors, formatted, err := readProvidedDataSectors(bytes.NewReader(sbWithSectors(131072)), "meta")
	require.NoError(t, err)
	assert.True(t, formatted)
	assert.Equal(t, uint64(131072), sectors)

	// Repeated reads of a quiescent device agree.
	again, _, err := readProvidedDataSectors(bytes.NewReader(sbWithSectors(131072)), "meta")
	require.NoError(t, err)
	assert.Equal(t, sectors, again)
}

func TestReadProvidedDataSectorsFresh(t *testing.T) {
	_, formatted, err := readProvidedDataSectors(bytes.NewReader(make([]byte, 512)), "meta")
	require.NoError(t, err)
	assert.False(t, formatted)
}

func TestReadProvidedDataSectorsZero(t *testing.T) {
	// A zeroed sectors field under a valid magic is not fatal; it
	// mismatches every real volume size and drives a reformat.
	sectors, formatted, err := readProvidedDataSectors(bytes.NewReader(sbWithSectors(0)), "meta")
	require.NoError(t, err)
	assert.True(t, formatted)
	assert.Zero(t, sectors)
}

func TestScrub(t *testing.T) {
	key := []byte(hexKey(CryptoHexKeyLen))
	scrub(key)
	assert.Equal(t, make([]byte, CryptoHexKeyLen), key)
}

func TestAlignedBuf(t *testing.T) {
	buf := alignedBuf(directBufSize, directBufAlign)
	assert.Len(t, buf, directBufSize)
	assert.Zero(t, bufAddr(buf)%uintptr(directBufAlign))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "AUTHENC", ModeAuthenc.String())
	assert.Equal(t, "INTEGRITY_ENCRYPT", ModeIntegrityEncrypt.String())
}
