package store_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/growin/licitasync/internal/models"
	"github.com/growin/licitasync/internal/store"
)

func TestParseTagPairs(t *testing.T) {
	tags := store.ParseTagPairs("9:informatica,2:salud,14:obras")
	require.Equal(t, []models.Tag{
		{ID: 2, Descripcion: "salud"},
		{ID: 9, Descripcion: "informatica"},
		{ID: 14, Descripcion: "obras"},
	}, tags)
}

func TestParseTagPairsEmptyDescription(t *testing.T) {
	tags := store.ParseTagPairs("3:")
	require.Equal(t, []models.Tag{{ID: 3, Descripcion: ""}}, tags)
}

func TestParseTagPairsMalformed(t *testing.T) {
	// Pairs without a separator or a numeric id are dropped, the rest survive.
	tags := store.ParseTagPairs("garbage,x:desc,5:valid")
	require.Equal(t, []models.Tag{{ID: 5, Descripcion: "valid"}}, tags)
}

func TestParseTagPairsEmpty(t *testing.T) {
	require.Nil(t, store.ParseTagPairs(""))
	require.Nil(t, store.ParseTagPairs("no-separator"))
}
