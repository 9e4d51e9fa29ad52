package registry

import (
	"testing"

	"github.com/ardnew/usbipd/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry(busID string, devID uint32) *Entry {
	return &Entry{
		BusID:  busID,
		DevID:  devID,
		Device: device.NewDevice(&device.DeviceDescriptor{MaxPacketSize0: 64}),
	}
}

func TestRegistryAddAndLookup(t *testing.T) {
	r := New()
	e := newEntry("1-1", 1)
	require.NoError(t, r.Add(e))

	got, ok := r.ByBus("1-1")
	assert.True(t, ok)
	assert.Same(t, e, got)

	got, ok = r.ByDev(1)
	assert.True(t, ok)
	assert.Same(t, e, got)

	_, ok = r.ByBus("nope")
	assert.False(t, ok)
}

func TestRegistryAddDuplicate(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newEntry("1-1", 1)))

	err := r.Add(newEntry("1-1", 2))
	assert.Error(t, err)

	err = r.Add(newEntry("1-2", 1))
	assert.Error(t, err)
}

func TestRegistryAll(t *testing.T) {
	r := New()
	require.NoError(t, r.Add(newEntry("1-1", 1)))
	require.NoError(t, r.Add(newEntry("1-2", 2)))

	all := r.All()
	assert.Len(t, all, 2)
}

func TestRegistrySingleImporter(t *testing.T) {
	r := New()
	e := newEntry("1-1", 1)
	require.NoError(t, r.Add(e))

	got, err := r.TryAttach("1-1", "client-a")
	require.NoError(t, err)
	assert.Same(t, e, got)
	assert.True(t, e.Attached())
	assert.Equal(t, "client-a", e.Owner())

	_, err = r.TryAttach("1-1", "client-b")
	assert.Error(t, err)

	r.Release(e, "client-a")
	assert.False(t, e.Attached())

	got, err = r.TryAttach("1-1", "client-b")
	require.NoError(t, err)
	assert.Same(t, e, got)
}

func TestRegistryAttachUnknownBus(t *testing.T) {
	r := New()
	_, err := r.TryAttach("nope", "client-a")
	assert.Error(t, err)
}

func TestRegistryReleaseWrongOwner(t *testing.T) {
	r := New()
	e := newEntry("1-1", 1)
	require.NoError(t, r.Add(e))

	_, err := r.TryAttach("1-1", "client-a")
	require.NoError(t, err)

	r.Release(e, "client-b")
	assert.True(t, e.Attached(), "release by non-owner must not detach")
}
