package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBodyProjectsFieldsInSortedOrder(t *testing.T) {
	out, err := Body([]byte(`{"id":"7","name":"yelp","extra":true}`), []string{"name", "id"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"7","name":"yelp"}`, string(out))
	require.Equal(t, `{"id":"7","name":"yelp"}`, string(out))
}

func TestBodyFillsAbsentFieldsWithNull(t *testing.T) {
	out, err := Body([]byte(`{"id":"7"}`), []string{"id", "missing"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"7","missing":null}`, string(out))
}

func TestBodyKeyOrderDoesNotAffectOutput(t *testing.T) {
	a, err := Body([]byte(`{"id":"7"}`), []string{"id", "name"})
	require.NoError(t, err)
	b, err := Body([]byte(`{"id":"7"}`), []string{"name", "id"})
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestBodyNoFieldsReturnsEmptyObject(t *testing.T) {
	out, err := Body([]byte(`{"id":"7"}`), nil)
	require.NoError(t, err)
	require.Equal(t, "{}", string(out))
}
