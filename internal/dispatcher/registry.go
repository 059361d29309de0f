package dispatcher

import (
	"context"

	"github.com/pixelforge/gallery-core/internal/aiqueue"
	"github.com/pixelforge/gallery-core/internal/modelclient"
	"github.com/pixelforge/gallery-core/internal/processor"
)

// HandlerFromProcessor adapts a processor.Processor into the Handler shape
// the dispatch loop drives.
func HandlerFromProcessor(p processor.Processor) Handler {
	return func(ctx context.Context, client modelclient.Client, modelName string, item aiqueue.Item) error {
		return p.Process(ctx, item.ItemID, modelName, client)
	}
}

// RegistryFromProcessors builds a Registry keyed by each processor's TaskKind.
func RegistryFromProcessors(processors ...processor.Processor) Registry {
	reg := make(Registry, len(processors))
	for _, p := range processors {
		reg[p.TaskKind()] = HandlerFromProcessor(p)
	}
	return reg
}
