package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURINoQueryIsUnchanged(t *testing.T) {
	require.Equal(t, "/biz/yelp-sf", URI("/biz/yelp-sf"))
}

func TestURISortsQueryParameterPermutations(t *testing.T) {
	a := URI("/happy/?k3=v2&k1=v6&k2=v1%2Cv20")
	b := URI("/happy/?k2=v1%2Cv20&k1=v6&k3=v2")
	require.Equal(t, a, b)
}

func TestURIPreservesPath(t *testing.T) {
	got := URI("/users?ids=1&v=1")
	require.Equal(t, "/users?ids=1&v=1", got)
}

func TestURIEmptyQueryUnchanged(t *testing.T) {
	require.Equal(t, "/biz/?", URI("/biz/?"))
}
