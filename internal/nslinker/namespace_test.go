package nslinker

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestWriteShortLibcxxString_roundTrips(t *testing.T) {
	var buf [24]byte
	require.NoError(t, writeShortLibcxxString(uintptr(unsafe.Pointer(&buf[0])), "/data/staging"))

	require.EqualValues(t, len("/data/staging")<<1, buf[0])
	require.Equal(t, "/data/staging", string(buf[1:1+len("/data/staging")]))
	require.Equal(t, byte(0), buf[1+len("/data/staging")])
}

func TestWriteShortLibcxxString_rejectsOverlong(t *testing.T) {
	var buf [24]byte
	long := "this path is deliberately far too long to fit inline"
	err := writeShortLibcxxString(uintptr(unsafe.Pointer(&buf[0])), long)
	require.Error(t, err)
}

func TestLibcxxVector_len(t *testing.T) {
	v := libcxxVector{begin: 1000, end: 1000 + 3*24, capEnd: 1000 + 5*24}
	require.Equal(t, 3, v.len(24))
}

func TestAddLDLibraryPaths_failsWithoutInit(t *testing.T) {
	p := New()
	err := p.AddLDLibraryPaths([]string{"/data/staging"})
	require.Error(t, err)
}
