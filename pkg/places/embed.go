package places

import (
	"context"
	"fmt"

	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/tasks"
)

// EmbedHandler handles TaskEmbed. Indexing is external to this service, so
// the handler validates the payload and records the hand-off.
func EmbedHandler(log logger.Logger) tasks.Handler {
	return func(ctx context.Context, task *tasks.Task) error {
		var p EmbedPayload
		if err := task.Decode(&p); err != nil {
			return err
		}
		if p.PlaceID == "" {
			return fmt.Errorf("%s: placeId is required", TaskEmbed)
		}
		log.WithContext(ctx).Info("place received for embedding",
			"place_id", p.PlaceID, "title", p.Title, "attempt", task.Attempt+1)
		return nil
	}
}
