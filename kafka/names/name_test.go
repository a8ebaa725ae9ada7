package names

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateTopicName(t *testing.T) {
	require.Error(t, ValidateTopicName(""))
	require.Error(t, ValidateTopicName("."))
	require.Error(t, ValidateTopicName(".."))
	require.Error(t, ValidateTopicName(":"))
	require.Error(t, ValidateTopicName(strings.Repeat("x", 250)))

	require.NoError(t, ValidateTopicName("x"))
	require.NoError(t, ValidateTopicName("X"))
	require.NoError(t, ValidateTopicName("1"))
	require.NoError(t, ValidateTopicName(".-_"))
	require.NoError(t, ValidateTopicName(strings.Repeat("x", 249)))
}

func TestValidateGroupID(t *testing.T) {
	require.Error(t, ValidateGroupID(""))
	require.Error(t, ValidateGroupID(strings.Repeat("g", 256)))
	require.NoError(t, ValidateGroupID("orders-group-0"))
}

func TestDefaultGroupID(t *testing.T) {
	require.Equal(t, "orders-group-0", DefaultGroupID("orders"))
}
