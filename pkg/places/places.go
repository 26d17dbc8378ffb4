package places

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/auth"
	"github.com/nimburion/places/pkg/blob"
	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/tasks"
)

// MinTitleLength is the shortest accepted title, in characters.
const MinTitleLength = 10

// TaskEmbed asks the worker to index a new place.
const TaskEmbed = "place.embed"

// Image is an uploaded file carried in the "image" field of a create or
// update form. It is replaced by "imageKey" before the record is stored.
type Image struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// EmbedPayload is the body of a TaskEmbed task.
type EmbedPayload struct {
	PlaceID     string `json:"placeId"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

var writable = map[string]struct{}{
	"title": {}, "description": {}, "address": {}, "location": {}, "image": {}, "creatorId": {},
}

// Config wires the places engine.
type Config struct {
	Store     crud.Store
	Blobs     blob.Store
	Tasks     tasks.Enqueuer
	Logger    logger.Logger
	Metrics   crud.Recorder
	BatchSize int
	// MaxPageSize caps search pages; zero uses the query default.
	MaxPageSize int
}

// NewEngine builds the CRUD engine for places. Non-admins only see and
// change the places they created.
func NewEngine(cfg Config) (*crud.Engine, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("places: blob store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	h := &hooks{blobs: cfg.Blobs, tasks: cfg.Tasks, log: cfg.Logger.With("entity", Entity)}
	return crud.NewEngine(crud.Config{
		Schema:     NewSchema(cfg.MaxPageSize),
		Store:      cfg.Store,
		Policy:     crud.OwnershipPolicy{OwnerField: "creatorId", StampOwner: true},
		Resource:   "place",
		Timestamps: true,
		BatchSize:  cfg.BatchSize,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
		Hooks: crud.Hooks{
			PrepareCreate: h.prepareCreate,
			PrepareUpdate: h.prepareUpdate,
			PostProcess:   h.signImage,
			Cleanup:       h.deleteImage,
			AfterCreate:   h.enqueueEmbed,
			AfterUpdate:   h.dropReplacedImage,
			Discard:       h.discardUpload,
		},
	})
}

type hooks struct {
	blobs blob.Store
	tasks tasks.Enqueuer
	log   logger.Logger
}

func (h *hooks) prepareCreate(ctx context.Context, _ *auth.Principal, rec crud.Record) error {
	if err := validate(rec, true); err != nil {
		return err
	}
	return h.storeImage(ctx, rec)
}

func (h *hooks) prepareUpdate(ctx context.Context, _ *auth.Principal, _, patch crud.Record) error {
	if err := validate(patch, false); err != nil {
		return err
	}
	return h.storeImage(ctx, patch)
}

// dropReplacedImage removes the previous image once the new key is stored.
func (h *hooks) dropReplacedImage(ctx context.Context, existing, patch crud.Record) error {
	replacement, ok := patch["imageKey"].(string)
	if !ok {
		return nil
	}
	old, _ := existing["imageKey"].(string)
	if old == "" || old == replacement {
		return nil
	}
	return h.deleteImage(ctx, existing)
}

// discardUpload removes an image uploaded for a write the store rejected.
// imageKey is never writable, so a key in a prepared record is always fresh.
func (h *hooks) discardUpload(ctx context.Context, prepared crud.Record) error {
	return h.deleteImage(ctx, prepared)
}

func (h *hooks) storeImage(ctx context.Context, rec crud.Record) error {
	raw, ok := rec["image"]
	if !ok {
		return nil
	}
	delete(rec, "image")
	img, ok := raw.(*Image)
	if !ok || img == nil || img.Body == nil {
		return apperr.Validation("image must be an uploaded file", map[string]any{"field": "image"}, nil)
	}
	key := blob.NewKey(Entity, img.Filename)
	if err := h.blobs.Put(ctx, key, img.Body, img.ContentType); err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	rec["imageKey"] = key
	return nil
}

// signImage exposes a time-limited URL for the stored image key.
func (h *hooks) signImage(ctx context.Context, rec crud.Record) error {
	key, ok := rec["imageKey"].(string)
	if !ok || key == "" {
		return nil
	}
	url, err := h.blobs.SignURL(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		h.log.WithContext(ctx).Warn("image missing from blob store", "key", key)
		return nil
	}
	if err != nil {
		return fmt.Errorf("sign image url: %w", err)
	}
	rec["imageUrl"] = url
	return nil
}

func (h *hooks) deleteImage(ctx context.Context, deleted crud.Record) error {
	key, ok := deleted["imageKey"].(string)
	if !ok || key == "" {
		return nil
	}
	if err := h.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		return fmt.Errorf("delete image %s: %w", key, err)
	}
	return nil
}

func (h *hooks) enqueueEmbed(ctx context.Context, created crud.Record) error {
	if h.tasks == nil {
		return nil
	}
	title, _ := created["title"].(string)
	description, _ := created["description"].(string)
	return h.tasks.Enqueue(ctx, TaskEmbed, EmbedPayload{
		PlaceID:     fmt.Sprint(created["id"]),
		Title:       title,
		Description: description,
	})
}

// validate checks a create form (all required fields) or an update patch
// (only the fields present).
func validate(rec crud.Record, create bool) error {
	details := map[string]any{}
	for field := range rec {
		if _, ok := writable[field]; !ok {
			if field == "createdAt" || field == "updatedAt" || field == "id" {
				continue
			}
			details[field] = "unknown or read-only field"
		}
	}

	if title, present := rec["title"]; present || create {
		s, _ := title.(string)
		s = strings.TrimSpace(s)
		if utf8.RuneCountInString(s) < MinTitleLength {
			details["title"] = fmt.Sprintf("must be at least %d characters", MinTitleLength)
		} else {
			rec["title"] = s
		}
	}
	for _, field := range []string{"description", "address"} {
		v, present := rec[field]
		if !present && !create {
			continue
		}
		s, _ := v.(string)
		if strings.TrimSpace(s) == "" {
			details[field] = "is required"
		}
	}
	if loc, present := rec["location"]; present || create {
		if msg := checkLocation(loc); msg != "" {
			details["location"] = msg
		}
	}

	if len(details) > 0 {
		return apperr.Validation("invalid place", details, nil)
	}
	return nil
}

func checkLocation(v any) string {
	loc, ok := v.(map[string]any)
	if !ok {
		return "must be an object with lat and lng"
	}
	lat, latOK := asFloat(loc["lat"])
	lng, lngOK := asFloat(loc["lng"])
	if !latOK || !lngOK {
		return "lat and lng must be numbers"
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return "lat must be within [-90, 90] and lng within [-180, 180]"
	}
	loc["lat"], loc["lng"] = lat, lng
	return ""
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func errOutOfRange(min, max float64) error {
	return fmt.Errorf("must be within [%g, %g]", min, max)
}
