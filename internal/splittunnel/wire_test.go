package splittunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtlCodeMatchesDeviceIoControlConvention(t *testing.T) {
	// access=0 (FILE_ANY_ACCESS), device_type=0x8000: the low two bits
	// select the transfer method, bits 2-13 the function, bit 14-15 the
	// access, and the rest the device type (spec §4.6).
	code := ctlCode(deviceTypeSplitTunnel, functionSetConfiguration, methodBuffered, fileAnyAccess)
	assert.Equal(t, uint32(0x8000<<16)|(uint32(functionSetConfiguration)<<2), code)
	assert.NotEqual(t, IOCTLGetConfiguration, IOCTLSetConfiguration)
}

// TestSetConfigurationRoundTrip is the P6 property: encoding then decoding
// a path list recovers it exactly, and the header's total_length matches
// sizeof(Header) + num_entries*sizeof(Entry) + sum(2*len(name_i)), with
// every entry's name region inside the trailing strings region.
func TestSetConfigurationRoundTrip(t *testing.T) {
	paths := []string{`C:\a.exe`, `C:\dir\b.exe`}

	buf := EncodeConfiguration(paths)

	wantStrings := 0
	for _, p := range paths {
		wantStrings += 2 * len([]rune(p))
	}
	wantTotal := headerSize + len(paths)*entrySize + wantStrings
	require.Len(t, buf, wantTotal)

	require.NoError(t, ValidateConfiguration(buf))

	got, err := DecodeConfiguration(buf)
	require.NoError(t, err)
	assert.Equal(t, paths, got)
}

func TestSetConfigurationEmpty(t *testing.T) {
	buf := EncodeConfiguration(nil)
	require.Len(t, buf, headerSize)

	got, err := DecodeConfiguration(buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSetConfigurationUnicodePaths(t *testing.T) {
	paths := []string{`C:\Users\\café\\app.exe`, `C:\日本語\foo.exe`}
	buf := EncodeConfiguration(paths)
	got, err := DecodeConfiguration(buf)
	require.NoError(t, err)
	assert.Equal(t, paths, got)
}

func TestDecodeConfigurationRejectsTruncatedBuffer(t *testing.T) {
	buf := EncodeConfiguration([]string{`C:\a.exe`})
	_, err := DecodeConfiguration(buf[:len(buf)-1])
	assert.Error(t, err)
}

func TestDecodeConfigurationRejectsBadTotalLength(t *testing.T) {
	buf := EncodeConfiguration([]string{`C:\a.exe`})
	buf[8] ^= 0xFF // corrupt total_length's low byte
	_, err := DecodeConfiguration(buf)
	assert.Error(t, err)
}

func TestDriverStateString(t *testing.T) {
	assert.Equal(t, "Ready", StateReady.String())
	assert.Equal(t, "Unknown", DriverState(99).String())
}
