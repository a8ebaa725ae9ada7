package test

import (
	"context"
	"errors"
	"testing"

	"github.com/ridge/parallel"
	"github.com/stretchr/testify/require"
)

// Group returns a parallel.Group on a test Context, used to run brokers and
// background loops for the duration of a test.
//
// The group is shut down at cleanup. Tasks still running then see
// context.Canceled; any other error they returned fails the test.
func Group(t *testing.T) *parallel.Group {
	group := parallel.NewGroup(Context(t))
	t.Cleanup(func() {
		group.Exit(nil)
		err := group.Wait()
		if errors.Is(err, context.Canceled) {
			return
		}
		require.NoError(t, err)
	})
	return group
}
