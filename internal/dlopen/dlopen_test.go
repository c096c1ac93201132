package dlopen

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func libcPath(t *testing.T) string {
	switch runtime.GOOS {
	case "linux":
		return "libc.so.6"
	default:
		t.Skip("dlopen smoke test only runs against glibc/bionic's libc")
		return ""
	}
}

func TestOpenSymClose_roundTripsAgainstLibc(t *testing.T) {
	path := libcPath(t)
	h, err := Open(path)
	require.NoError(t, err)
	defer Close(h)

	addr, ok := Sym(h, "malloc")
	require.True(t, ok)
	require.NotZero(t, addr)

	_, ok = Sym(h, "this_symbol_does_not_exist_anywhere")
	require.False(t, ok)
}

func TestClose_nilHandleIsNoop(t *testing.T) {
	require.NoError(t, Close(0))
}
