package validator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"featurectl/internal/store"
)

func feat(id int64, category string) *store.Feature {
	return &store.Feature{ID: id, Category: category}
}

func TestCheckContiguityEmptySetIsValid(t *testing.T) {
	require.NoError(t, CheckContiguity(nil))
}

func TestCheckContiguitySingleCategory(t *testing.T) {
	features := []*store.Feature{feat(1, "cat-x"), feat(2, "cat-x"), feat(3, "cat-x")}
	require.NoError(t, CheckContiguity(features))
}

func TestCheckContiguityMultipleContiguousCategories(t *testing.T) {
	features := []*store.Feature{
		feat(1, "cat-x"), feat(2, "cat-x"),
		feat(3, "cat-y"), feat(4, "cat-y"), feat(5, "cat-y"),
	}
	require.NoError(t, CheckContiguity(features))
}

// S3: features {1/cat-x, 2/cat-y, 3/cat-x} — cat-x is reopened at id 3.
func TestCheckContiguityViolationNamesCategoryAndID(t *testing.T) {
	features := []*store.Feature{feat(1, "cat-x"), feat(2, "cat-y"), feat(3, "cat-x")}

	err := CheckContiguity(features)
	require.Error(t, err)

	var cErr *ContiguityError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, "cat-x", cErr.Category)
	require.Equal(t, int64(3), cErr.ID)
}

func TestCheckContiguityReopenedAfterSeveralCategories(t *testing.T) {
	features := []*store.Feature{
		feat(1, "cat-x"),
		feat(2, "cat-y"),
		feat(3, "cat-z"),
		feat(4, "cat-x"), // reopens cat-x
	}

	err := CheckContiguity(features)
	require.Error(t, err)

	var cErr *ContiguityError
	require.ErrorAs(t, err, &cErr)
	require.Equal(t, "cat-x", cErr.Category)
	require.Equal(t, int64(4), cErr.ID)
}
