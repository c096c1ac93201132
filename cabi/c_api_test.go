package cabi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sc2ad/scotland2/api"
)

func TestGetAll_roundTripsLoadedAndFailedResults(t *testing.T) {
	loaded := &api.LoadedMod{
		ModInfo: api.ModInfo{ID: "com.example.mod", Version: "1.2.3", VersionLong: 123},
		Object:  api.SharedObject{Path: "/data/mods/libexample.so"},
		Phase:   api.PhaseMods,
	}
	failed := api.FailedMod{
		Object:  api.SharedObject{Path: "/data/mods/libbroken.so"},
		Failure: "dlopen: undefined symbol",
	}

	results := GetAll([]api.LoadResult{api.LoadedResult(loaded), api.FailedResult(failed)})
	require.Len(t, results.Items, 2)

	ok := results.Items[0]
	require.Equal(t, int32(0), ok.Failed)
	require.Equal(t, "com.example.mod", readCString(ok.Info.ID))
	require.Equal(t, "1.2.3", readCString(ok.Info.Version))
	require.Equal(t, uint64(123), ok.Info.VersionLong)
	require.Equal(t, "/data/mods/libexample.so", readCString(ok.Path))
	require.Nil(t, ok.Failure)

	bad := results.Items[1]
	require.Equal(t, int32(1), bad.Failed)
	require.Equal(t, "/data/mods/libbroken.so", readCString(bad.Path))
	require.Equal(t, "dlopen: undefined symbol", readCString(bad.Failure))

	FreeResults(results)
	require.Nil(t, results.Items)
}

func TestForceUnload_statusReflectsCallResult(t *testing.T) {
	info := CModInfo{ID: cString("com.example.mod"), Version: cString("1.0.0"), VersionLong: 1}

	ok := ForceUnload(func(api.ModInfo, api.MatchType) bool { return true }, info, api.MatchIDOnly)
	require.Equal(t, StatusOK, ok)

	bad := ForceUnload(func(api.ModInfo, api.MatchType) bool { return false }, info, api.MatchIDOnly)
	require.Equal(t, StatusError, bad)
}

func TestRequireMod_notFoundWhenLookupReturnsNil(t *testing.T) {
	info := CModInfo{ID: cString("com.example.missing"), Version: cString("0.0.0")}

	status := RequireMod(func(api.ModInfo, api.MatchType) *api.LoadedMod { return nil }, info, api.MatchIDOnly)
	require.Equal(t, StatusNotFound, status)

	found := RequireMod(func(api.ModInfo, api.MatchType) *api.LoadedMod {
		return &api.LoadedMod{}
	}, info, api.MatchIDOnly)
	require.Equal(t, StatusOK, found)
}
