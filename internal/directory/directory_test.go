package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/roomcall/internal/models"
	"github.com/mossy-p/roomcall/internal/negotiation"
	"github.com/mossy-p/roomcall/internal/wire"
)

type nopTransport struct{ closed int }

func (t *nopTransport) Connect(context.Context) error                 { return nil }
func (t *nopTransport) On(models.Event, func(wire.Message))           {}
func (t *nopTransport) Emit(context.Context, models.Event, any) error { return nil }
func (t *nopTransport) Request(context.Context, models.Event, any, any) error {
	return errors.New("not connected")
}
func (t *nopTransport) Close() error {
	t.closed++
	return nil
}

type nopMedia struct{}

func (nopMedia) Acquire(context.Context, models.MediaConstraints) (negotiation.LocalMedia, error) {
	return nil, errors.New("no devices")
}

type counter struct {
	created    int
	transports []*nopTransport
}

func (c *counter) factory(containerID string, constraints models.MediaConstraints) (*negotiation.Engine, error) {
	c.created++
	tr := &nopTransport{}
	c.transports = append(c.transports, tr)
	return negotiation.New(negotiation.Options{
		Transport: tr,
		NewPeer: func([]webrtc.ICEServer) (negotiation.PeerConnection, error) {
			return nil, errors.New("unused")
		},
		Media:       nopMedia{},
		Constraints: constraints,
		ContainerID: containerID,
	})
}

func TestFirstConstraintsWin(t *testing.T) {
	var c counter
	d := New(c.factory, nil)

	first := models.MediaConstraints{Audio: true, Video: true, Width: 500, Height: 500}
	e1, err := d.GetOrCreate("view-1", first)
	require.NoError(t, err)

	e2, err := d.GetOrCreate("view-1", models.MediaConstraints{Audio: true})
	require.NoError(t, err)

	assert.Same(t, e1, e2)
	assert.Equal(t, 1, c.created)
	assert.Equal(t, first, e2.Constraints())
}

func TestContainersAreIsolated(t *testing.T) {
	var c counter
	d := New(c.factory, nil)

	a, err := d.GetOrCreate("b-view", models.DefaultMediaConstraints())
	require.NoError(t, err)
	b, err := d.GetOrCreate("a-view", models.DefaultMediaConstraints())
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, []string{"a-view", "b-view"}, d.Containers())

	other := New(c.factory, nil)
	assert.Empty(t, other.Containers())
}

func TestFactoryErrorNotCached(t *testing.T) {
	calls := 0
	d := New(func(string, models.MediaConstraints) (*negotiation.Engine, error) {
		calls++
		return nil, errors.New("boom")
	}, nil)

	_, err := d.GetOrCreate("view-1", models.DefaultMediaConstraints())
	assert.Error(t, err)
	_, err = d.GetOrCreate("view-1", models.DefaultMediaConstraints())
	assert.Error(t, err)
	assert.Equal(t, 2, calls)
	_, ok := d.Get("view-1")
	assert.False(t, ok)
}

func TestReleaseDestroysOne(t *testing.T) {
	var c counter
	d := New(c.factory, nil)

	e1, err := d.GetOrCreate("view-1", models.DefaultMediaConstraints())
	require.NoError(t, err)
	e2, err := d.GetOrCreate("view-2", models.DefaultMediaConstraints())
	require.NoError(t, err)

	d.Release("view-1")
	d.Release("missing")

	assert.Equal(t, negotiation.StateClosed, e1.State())
	assert.Equal(t, negotiation.StateCreated, e2.State())
	assert.Equal(t, 1, c.transports[0].closed)

	e3, err := d.GetOrCreate("view-1", models.DefaultMediaConstraints())
	require.NoError(t, err)
	assert.NotSame(t, e1, e3)
}

func TestCloseDestroysAll(t *testing.T) {
	var c counter
	d := New(c.factory, nil)

	e1, err := d.GetOrCreate("view-1", models.DefaultMediaConstraints())
	require.NoError(t, err)
	e2, err := d.GetOrCreate("view-2", models.DefaultMediaConstraints())
	require.NoError(t, err)

	d.Close()
	d.Close()

	assert.Equal(t, negotiation.StateClosed, e1.State())
	assert.Equal(t, negotiation.StateClosed, e2.State())
	assert.Empty(t, d.Containers())

	_, err = d.GetOrCreate("view-3", models.DefaultMediaConstraints())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDestroyedEngineIsReplaced(t *testing.T) {
	var c counter
	d := New(c.factory, nil)

	old, err := d.GetOrCreate("view-1", models.DefaultMediaConstraints())
	require.NoError(t, err)
	old.Destroy()

	_, ok := d.Get("view-1")
	assert.False(t, ok)
	assert.Empty(t, d.Containers())

	audioOnly := models.MediaConstraints{Audio: true}
	fresh, err := d.GetOrCreate("view-1", audioOnly)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 2, c.created)
	assert.Equal(t, audioOnly, fresh.Constraints())
	assert.Equal(t, negotiation.StateCreated, fresh.State())
}
