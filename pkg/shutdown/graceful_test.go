package shutdown

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrackIncrementsAndDecrementsPending(t *testing.T) {
	g := New()
	require.Equal(t, 0, g.pendingCount())

	done1 := g.Track()
	require.Equal(t, 1, g.pendingCount())

	done2 := g.Track()
	require.Equal(t, 2, g.pendingCount())

	done1()
	require.Equal(t, 1, g.pendingCount())

	done2()
	require.Equal(t, 0, g.pendingCount())
}

func TestTrackDoneIsIdempotent(t *testing.T) {
	g := New()
	done := g.Track()
	done()
	done()
	require.Equal(t, 0, g.pendingCount())
}

func TestContextNotCancelledBeforeShutdown(t *testing.T) {
	g := New()
	select {
	case <-g.Context().Done():
		t.Fatal("context should not be cancelled before shutdown is triggered")
	default:
	}
}
