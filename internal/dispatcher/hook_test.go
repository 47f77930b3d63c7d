package dispatcher

import (
	"context"
	"realiser/internal/build"
	"realiser/internal/storepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	events []*Event
	err    error
}

func (d *recordingDispatcher) Dispatch(e *Event) error {
	if d.err != nil {
		return d.err
	}
	d.events = append(d.events, e)
	return nil
}

func (d *recordingDispatcher) Stats() Stats                    { return Stats{Queued: int64(len(d.events))} }
func (d *recordingDispatcher) Close(ctx context.Context) error { return nil }

func TestBuildHook_Built(t *testing.T) {
	d := &recordingDispatcher{}
	h := NewBuildHook(d, "/store", "realise/test", "http://hooks.example.com/built", "key")

	drv := storepath.MustNew("aaaa", "hello.drv")
	h.Built(context.Background(), build.Built{
		DrvPath: drv,
		Name:    "hello",
		Mode:    build.Check,
		Outputs: map[string]storepath.Path{"out": storepath.MustNew("bbbb", "hello")},
	})

	require.Len(t, d.events, 1)
	e := d.events[0]
	assert.Equal(t, "http://hooks.example.com/built", e.Destination)
	assert.Equal(t, "key", e.SigningKey)
	assert.Equal(t, EventTypeBuilt, e.Payload.Type)
	assert.Equal(t, "realise/test", e.Payload.Source)
	assert.Equal(t, "/store/aaaa-hello.drv", e.Payload.Subject)
	assert.Contains(t, e.Payload.ID, "aaaa-")
	assert.Equal(t, map[string]any{
		"drvPath": "/store/aaaa-hello.drv",
		"name":    "hello",
		"mode":    "check",
		"outputs": map[string]any{"out": "/store/bbbb-hello"},
	}, e.Payload.Data)
}

func TestBuildHook_DispatchErrorIsNotFatal(t *testing.T) {
	d := &recordingDispatcher{err: ErrBufferFull}
	h := NewBuildHook(d, "/store", "realise", "http://hooks.example.com", "")
	assert.NotPanics(t, func() {
		h.Built(context.Background(), build.Built{DrvPath: storepath.MustNew("aaaa", "x.drv")})
	})
	assert.Empty(t, d.events)
}
