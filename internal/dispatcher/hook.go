package dispatcher

import (
	"context"
	"fmt"
	"realiser/internal/build"
	"realiser/internal/storepath"
	"realiser/pkg/cloudevent"
	"time"

	slogcontext "github.com/veqryn/slog-context"
)

// EventTypeBuilt is the type of the event sent for every finished build.
const EventTypeBuilt = "realise.build.finished"

// BuildHook turns finished builds into events for one receiver.
type BuildHook struct {
	d           Dispatcher
	dir         storepath.Dir
	source      string
	destination string
	signingKey  string
}

// NewBuildHook creates a hook sending to destination. source names this
// process in the events, paths are printed under dir.
func NewBuildHook(d Dispatcher, dir storepath.Dir, source, destination, signingKey string) *BuildHook {
	return &BuildHook{d: d, dir: dir, source: source, destination: destination, signingKey: signingKey}
}

// Built implements build.Hook.
func (h *BuildHook) Built(ctx context.Context, b build.Built) {
	outputs := make(map[string]any, len(b.Outputs))
	for name, p := range b.Outputs {
		outputs[name] = h.dir.Print(p)
	}
	drv := h.dir.Print(b.DrvPath)
	id := fmt.Sprintf("%s-%d", b.DrvPath.HashPart(), time.Now().UnixNano())

	event := &Event{
		Payload: cloudevent.New(EventTypeBuilt, h.source, drv, id, map[string]any{
			"drvPath": drv,
			"name":    b.Name,
			"mode":    b.Mode.String(),
			"outputs": outputs,
		}),
		Destination: h.destination,
		SigningKey:  h.signingKey,
	}
	if err := h.d.Dispatch(event); err != nil {
		slogcontext.FromCtx(ctx).Warn("Build notification not sent", "drv", drv, "error", err)
	}
}

var _ build.Hook = (*BuildHook)(nil)
