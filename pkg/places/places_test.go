package places

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/auth"
	"github.com/nimburion/places/pkg/blob"
	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/query"
	"github.com/nimburion/places/pkg/repository/memory"
	"github.com/nimburion/places/pkg/tasks"
)

var (
	alice = &auth.Principal{ID: "alice"}
	bob   = &auth.Principal{ID: "bob"}
	root  = &auth.Principal{ID: "root", IsAdmin: true}
)

type fixture struct {
	engine *crud.Engine
	blobs  *blob.Memory
	queue  *tasks.MemoryBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{blobs: blob.NewMemory("http://blobs.test"), queue: tasks.NewMemoryBackend()}
	engine, err := NewEngine(Config{
		Store:  memory.NewStore(StorageEntity().Memory),
		Blobs:  f.blobs,
		Tasks:  tasks.NewQueue(f.queue, 0),
		Logger: logger.NewNop(),
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	f.engine = engine
	return f
}

func form(title string, lat, lng float64) crud.Record {
	return crud.Record{
		"title":       title,
		"description": "A quiet spot by the river",
		"address":     "1 River Road",
		"location":    map[string]any{"lat": lat, "lng": lng},
	}
}

// imageKey recovers the stored key from the signed URL of a read record.
func imageKey(t *testing.T, rec crud.Record) string {
	t.Helper()
	if _, exposed := rec["imageKey"]; exposed {
		t.Fatalf("imageKey in default shape: %v", rec)
	}
	url, _ := rec["imageUrl"].(string)
	key, ok := strings.CutPrefix(url, "http://blobs.test/")
	if !ok || key == "" {
		t.Fatalf("imageUrl = %q", url)
	}
	return key
}

func withImage(rec crud.Record) crud.Record {
	rec["image"] = &Image{Filename: "Photo.PNG", ContentType: "image/png", Body: strings.NewReader("png-bytes")}
	return rec
}

func TestCreate_UploadsImageAndSignsURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.engine.Create(ctx, alice, withImage(form("Riverside bench", 45.1, 7.6)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	key := imageKey(t, rec)
	if !strings.HasPrefix(key, "places/") || !strings.HasSuffix(key, ".png") {
		t.Fatalf("imageKey = %q", key)
	}
	if _, ok := rec["image"]; ok {
		t.Fatal("raw image leaked into the record")
	}
	if rec["creatorId"] != "alice" {
		t.Fatalf("creatorId = %v, want alice", rec["creatorId"])
	}
	data, contentType, ok := f.blobs.Get(key)
	if !ok || string(data) != "png-bytes" || contentType != "image/png" {
		t.Fatalf("stored blob = %q %q %v", data, contentType, ok)
	}
}

func TestCreate_EnqueuesEmbedTask(t *testing.T) {
	f := newFixture(t)
	rec, err := f.engine.Create(context.Background(), alice, form("Riverside bench", 45.1, 7.6))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	task, _, err := f.queue.Reserve(context.Background(), 0)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	var p EmbedPayload
	if err := task.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if task.Name != TaskEmbed || p.PlaceID != rec["id"] || p.Title != "Riverside bench" {
		t.Fatalf("task = %s %+v", task.Name, p)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		rec   crud.Record
		field string
	}{
		"short title":     {form("Too short", 1, 1), "title"},
		"missing address": {func() crud.Record { r := form("Riverside bench", 1, 1); delete(r, "address"); return r }(), "address"},
		"bad latitude":    {form("Riverside bench", 91, 1), "location"},
		"read-only field": {func() crud.Record { r := form("Riverside bench", 1, 1); r["imageUrl"] = "x"; return r }(), "imageUrl"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.Create(context.Background(), alice, tc.rec)
			appErr, ok := apperr.As(err)
			if !ok || appErr.HTTPStatus != http.StatusUnprocessableEntity {
				t.Fatalf("Create() error = %v, want 422", err)
			}
			if _, ok := appErr.Details[tc.field]; !ok {
				t.Fatalf("details = %v, want key %q", appErr.Details, tc.field)
			}
		})
	}
}

func TestCreate_RequiresPrincipal(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Create(context.Background(), nil, form("Riverside bench", 1, 1))
	if appErr, ok := apperr.As(err); !ok || appErr.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("Create() error = %v, want 401", err)
	}
}

func TestUpdate_ReplacesImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, _ := f.engine.Create(ctx, alice, withImage(form("Riverside bench", 1, 1)))
	oldKey := imageKey(t, rec)

	updated, err := f.engine.Update(ctx, alice, rec["id"].(string), withImage(crud.Record{}))
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	newKey := imageKey(t, updated)
	if newKey == oldKey {
		t.Fatal("image key was not replaced")
	}
	if _, _, ok := f.blobs.Get(oldKey); ok {
		t.Fatal("old image still stored")
	}
	if _, _, ok := f.blobs.Get(newKey); !ok {
		t.Fatal("new image missing")
	}

	retitled, err := f.engine.Update(ctx, alice, rec["id"].(string), crud.Record{"title": "Riverside bench north"})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if imageKey(t, retitled) != newKey {
		t.Fatal("image changed by a title-only update")
	}
	if _, _, ok := f.blobs.Get(newKey); !ok {
		t.Fatal("image deleted by a title-only update")
	}
}

type rejectingUpdates struct {
	*memory.Store
}

func (rejectingUpdates) Update(context.Context, string, crud.Record) error {
	return errors.New("connection reset")
}

func TestUpdate_FailedWriteKeepsOldImage(t *testing.T) {
	blobs := blob.NewMemory("http://blobs.test")
	backing := memory.NewStore(StorageEntity().Memory)
	engine, err := NewEngine(Config{Store: rejectingUpdates{backing}, Blobs: blobs})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	ctx := context.Background()
	rec, err := engine.Create(ctx, alice, withImage(form("Riverside bench", 1, 1)))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	oldKey := imageKey(t, rec)

	_, err = engine.Update(ctx, alice, rec["id"].(string), withImage(crud.Record{}))
	if appErr, ok := apperr.As(err); !ok || appErr.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("Update() error = %v, want 500", err)
	}
	if _, _, ok := blobs.Get(oldKey); !ok {
		t.Fatal("old image deleted although the update failed")
	}
	if n := blobs.Len(); n != 1 {
		t.Fatalf("blobs stored = %d, want only the original image", n)
	}
	stored, _ := backing.Get(ctx, rec["id"].(string), nil)
	if stored["imageKey"] != oldKey {
		t.Fatalf("stored imageKey = %v, want %s", stored["imageKey"], oldKey)
	}
}

func TestSearch_ProjectsSignedImageURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, _ := f.engine.Create(ctx, alice, withImage(form("Riverside bench", 1, 1)))
	key := imageKey(t, rec)

	q, err := query.Normalize(map[string][]string{"fields": {"title,imageUrl"}}, f.engine.Schema())
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	page, err := f.engine.Search(ctx, alice, q)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(page.Data) != 1 {
		t.Fatalf("page = %+v", page)
	}
	got := page.Data[0]
	if got["imageUrl"] != "http://blobs.test/"+key || got["title"] != "Riverside bench" {
		t.Fatalf("record = %v", got)
	}
	if _, ok := got["imageKey"]; ok {
		t.Fatalf("imageKey returned without being requested: %v", got)
	}
}

func TestUpdate_StrangerIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, _ := f.engine.Create(ctx, alice, form("Riverside bench", 1, 1))

	_, err := f.engine.Update(ctx, bob, rec["id"].(string), crud.Record{"title": "Someone else's bench"})
	if appErr, ok := apperr.As(err); !ok || appErr.HTTPStatus != http.StatusForbidden {
		t.Fatalf("Update() error = %v, want 403", err)
	}
}

func TestDelete_RemovesImageAndToleratesMissingBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, _ := f.engine.Create(ctx, alice, withImage(form("Riverside bench", 1, 1)))
	second, _ := f.engine.Create(ctx, alice, withImage(form("Hilltop viewpoint", 2, 2)))

	if err := f.engine.Delete(ctx, alice, first["id"].(string)); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, _, ok := f.blobs.Get(imageKey(t, first)); ok {
		t.Fatal("image survived delete")
	}

	if err := f.blobs.Delete(ctx, imageKey(t, second)); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Delete(ctx, root, second["id"].(string)); err != nil {
		t.Fatalf("Delete() with missing blob error = %v", err)
	}
}

func TestSearch_ByLocationAndOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.engine.Create(ctx, alice, form("Northern lookout", 60, 10))
	_, _ = f.engine.Create(ctx, alice, form("Southern harbour", 10, 10))
	_, _ = f.engine.Create(ctx, bob, form("Northern cabin site", 61, 11))

	q, err := query.Normalize(map[string][]string{"locationLat": {"gte:50"}, "sort": {"title"}}, f.engine.Schema())
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}

	page, err := f.engine.Search(ctx, root, q)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if page.TotalCount != 2 || page.Data[0]["title"] != "Northern cabin site" {
		t.Fatalf("admin page = %+v", page)
	}

	page, err = f.engine.Search(ctx, alice, q)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if page.TotalCount != 1 || page.Data[0]["title"] != "Northern lookout" {
		t.Fatalf("owner page = %+v", page)
	}
}

func TestSchema_RejectsOutOfRangeLatitude(t *testing.T) {
	_, err := query.Normalize(map[string][]string{"locationLat": {"gt:120"}}, NewSchema(0))
	if !errors.Is(err, query.ErrValidation) {
		t.Fatalf("Normalize() error = %v, want validation error", err)
	}
}

func TestEmbedHandler(t *testing.T) {
	h := EmbedHandler(logger.NewNop())
	ok := &tasks.Task{ID: "t1", Name: TaskEmbed, Payload: []byte(`{"placeId":"p1","title":"Riverside bench"}`)}
	if err := h(context.Background(), ok); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	bad := &tasks.Task{ID: "t2", Name: TaskEmbed, Payload: []byte(`{}`)}
	if err := h(context.Background(), bad); err == nil {
		t.Fatal("expected error for payload without placeId")
	}
}
