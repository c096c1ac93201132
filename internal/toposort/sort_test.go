package toposort

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sc2ad/scotland2/api"
)

func dep(path string, children ...api.Dependency) api.Dependency {
	results := make([]api.DependencyResult, len(children))
	for i, c := range children {
		results[i] = api.Resolved(c)
	}
	return api.Dependency{Object: api.SharedObject{Path: path}, Dependencies: results}
}

func paths(deps []api.Dependency) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = d.Object.Path
	}
	return out
}

func TestSortDependencies_dependencyBeforeDependent(t *testing.T) {
	leaf := dep("b.so")
	root := dep("a.so", leaf)

	out := SortDependencies([]api.Dependency{root})
	require.Equal(t, []string{"b.so", "a.so"}, paths(out))
}

func TestSortDependencies_deduplicatesSharedDependency(t *testing.T) {
	shared := dep("shared.so")
	left := dep("left.so", shared)
	right := dep("right.so", shared)
	top := dep("top.so", left, right)

	out := SortDependencies([]api.Dependency{top})
	require.Equal(t, []string{"shared.so", "right.so", "left.so", "top.so"}, paths(out))

	seen := map[string]int{}
	for _, p := range paths(out) {
		seen[p]++
	}
	for p, n := range seen {
		require.Equal(t, 1, n, "path %s appeared %d times", p, n)
	}
}

func TestSortDependencies_siblingOrderIsReverseLexicalAndStable(t *testing.T) {
	top := dep("top.so", dep("alpha.so"), dep("beta.so"), dep("gamma.so"))
	out := SortDependencies([]api.Dependency{top})
	require.Equal(t, []string{"gamma.so", "beta.so", "alpha.so", "top.so"}, paths(out))
}

func TestSort_filtersMissingEntries(t *testing.T) {
	forest := []api.DependencyResult{
		api.Resolved(dep("present.so")),
		api.Missing(api.SharedObject{Path: "absent.so"}),
	}
	out := Sort(forest)
	require.Equal(t, []string{"present.so"}, paths(out))
}
