package filterexpr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyFilterMatchesEverything(t *testing.T) {
	ok, err := Matches("", map[string]string{"topic": "pipe"})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEqualityFilter(t *testing.T) {
	ok, err := Matches(`Labels["topic"] == "pipe"`, map[string]string{"topic": "pipe"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Matches(`Labels["topic"] == "pipe"`, map[string]string{"topic": "baz"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConjunctionFilter(t *testing.T) {
	labels := map[string]string{"topic": "pipe", "lang": "en"}
	ok, err := Matches(`Labels["topic"] == "pipe" and Labels["lang"] == "en"`, labels)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Matches(`Labels["topic"] == "pipe" and Labels["lang"] == "fr"`, labels)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidFilterIsRejected(t *testing.T) {
	require.Error(t, Validate(`Labels[ not valid (((`))
}
