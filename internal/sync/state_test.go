package sync

import (
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/resourcesyncd/internal/bundle"
)

func newTestState(t *testing.T, version string) *State {
	t.Helper()
	state, err := NewState(
		Target{Repository: "alice/assets", Branch: "main"},
		Credentials{Port: 8080, Secret: "s3cr3t"},
		"{{.Repository}}@{{.Branch}} is now {{.Version}}",
		"/data/assets",
		bundle.StableID("test"),
		version,
	)
	require.NoError(t, err)
	return state
}

func TestTargetRef(t *testing.T) {
	assert.Equal(t, "refs/heads/main", Target{Repository: "alice/assets", Branch: "main"}.Ref())
}

func TestTargetName(t *testing.T) {
	assert.Equal(t, "assets", Target{Repository: "alice/assets"}.Name())
	assert.Equal(t, "assets", Target{Repository: "assets"}.Name())
}

func TestCompareAndSwap(t *testing.T) {
	state := newTestState(t, "old000")

	prev, swapped := state.CompareAndSwap("abc123")
	assert.True(t, swapped)
	assert.Equal(t, "old000", prev)
	assert.Equal(t, "abc123", state.Version())

	prev, swapped = state.CompareAndSwap("abc123")
	assert.False(t, swapped)
	assert.Equal(t, "abc123", prev)
	assert.Equal(t, "abc123", state.Version())
}

func TestCompareAndSwap_ConcurrentSameVersion(t *testing.T) {
	state := newTestState(t, "old000")

	const n = 64
	var wins atomic.Int32
	var wg gosync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, swapped := state.CompareAndSwap("new111"); swapped {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, "new111", state.Version())
}

func TestCompareAndSwap_ReadersSeeWholeValues(t *testing.T) {
	state := newTestState(t, "v0")

	valid := map[string]bool{"v0": true}
	for i := 1; i <= 100; i++ {
		valid[fmt.Sprintf("v%d", i)] = true
	}

	done := make(chan struct{})
	var wg gosync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 100; i++ {
			state.CompareAndSwap(fmt.Sprintf("v%d", i))
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			assert.Equal(t, "v100", state.Version())
			return
		default:
			v := state.Descriptor().Version
			require.True(t, valid[v], "unexpected version %q", v)
		}
	}
}

func TestDescriptor(t *testing.T) {
	state := newTestState(t, "abc123")
	d := state.Descriptor()

	assert.Equal(t, "/data/assets", d.Dir)
	assert.Equal(t, "abc123", d.Version)
	assert.Equal(t, bundle.StableID("test"), d.ID)
}

func TestNotice(t *testing.T) {
	state := newTestState(t, "")

	notice, err := state.Notice("abc123")
	require.NoError(t, err)
	assert.Equal(t, "alice/assets@main is now abc123", notice)
}

func TestNewState_InvalidTemplate(t *testing.T) {
	_, err := NewState(Target{}, Credentials{}, "{{.Version", "", bundle.StableID("x"), "")
	assert.Error(t, err)
}

func TestNotice_UnknownField(t *testing.T) {
	state, err := NewState(Target{}, Credentials{}, "{{.Player}}", "", bundle.StableID("x"), "")
	require.NoError(t, err)

	_, err = state.Notice("abc")
	assert.Error(t, err)
}
