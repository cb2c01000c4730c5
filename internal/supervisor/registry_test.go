package supervisor

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"sdkforge/internal/procexec/procexectest"
)

func TestPortAllocatorSticky(t *testing.T) {
	a := NewPortAllocator(9100)
	a.available = func(port int) bool { return port != 9101 }

	p1, err := a.Allocate("a")
	require.NoError(t, err)
	p2, err := a.Allocate("b")
	require.NoError(t, err)
	again, err := a.Allocate("a")
	require.NoError(t, err)

	assert.Equal(t, 9100, p1)
	assert.Equal(t, 9102, p2, "bound port is skipped")
	assert.Equal(t, p1, again)

	a.Release("a")
	p3, err := a.Allocate("c")
	require.NoError(t, err)
	assert.Equal(t, 9100, p3)
}

func TestPortAllocatorExhausted(t *testing.T) {
	a := NewPortAllocator(9100)
	a.available = func(int) bool { return false }
	_, err := a.Allocate("a")
	assert.Error(t, err)
}

func TestPortAllocatorSkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	bound := ln.Addr().(*net.TCPAddr).Port

	assert.False(t, isPortAvailable(bound), strconv.Itoa(bound))
}

func TestRegistryLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, port := previewServer(t)
	defer srv.Close()

	ports := NewPortAllocator(port)
	// The preview server owns the port, so report it as free to the allocator.
	ports.available = func(int) bool { return true }

	l := &procexectest.Launcher{}
	reg := NewRegistry(testOptions(t), l, nil, ports, zap.NewNop())

	s, err := reg.GetOrCreate("alpha")
	require.NoError(t, err)
	assert.Equal(t, port, s.Port())

	same, err := reg.GetOrCreate("alpha")
	require.NoError(t, err)
	assert.Same(t, s, same)

	other, err := reg.GetOrCreate("beta")
	require.NoError(t, err)
	assert.Equal(t, port+1, other.Port())

	_, err = s.Start(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Running())

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ProjectID)
	assert.True(t, list[0].Running)
	assert.Equal(t, StateIdle, list[1].State)

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Zero(t, reg.Running())

	require.NoError(t, reg.Remove("alpha"))
	_, ok := reg.Get("alpha")
	assert.False(t, ok)
	assert.NoError(t, reg.Remove("missing"))
}
