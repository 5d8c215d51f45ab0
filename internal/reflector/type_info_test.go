package reflector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct{}

func TestTypeInfo(t *testing.T) {
	require.Equal(t, "sample", TypeInfoOf(sample{}).Name)
	require.Equal(t, "sample", TypeInfoOf(&sample{}).Name)
	require.Equal(t, "sample", TypeInfoFor[*sample]().Name)
	require.Equal(t, "github.com/codewandler/cimcore/internal/reflector.sample", TypeInfoFor[sample]().Path)
	require.Equal(t, TypeInfo{}, TypeInfoOf(nil))
}
