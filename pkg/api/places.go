package api

import (
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/controller"
	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/places"
	"github.com/nimburion/places/pkg/query"
	"github.com/nimburion/places/pkg/server/router"
)

func (h *Handlers) searchPlaces(c router.Context) error {
	q, err := query.Normalize(c.QueryValues(), h.places.Schema())
	return search(c, h.places, q, err)
}

func (h *Handlers) searchPlacesBody(c router.Context) error {
	body, err := bindRecord(c)
	if err != nil {
		return controller.Error(c, err)
	}
	q, err := query.NormalizeBody(body, h.places.Schema())
	return search(c, h.places, q, err)
}

func (h *Handlers) getPlace(c router.Context) error {
	rec, err := h.places.Retrieve(c.Request().Context(), principalOf(c), c.Param("id"))
	if err != nil {
		return controller.Error(c, err)
	}
	return controller.Success(c, rec)
}

func (h *Handlers) createPlace(c router.Context) error {
	form, closeForm, err := h.placeForm(c)
	if err != nil {
		return controller.Error(c, err)
	}
	defer closeForm()

	rec, err := h.places.Create(c.Request().Context(), principalOf(c), form)
	if err != nil {
		return controller.Error(c, err)
	}
	return controller.Created(c, rec)
}

func (h *Handlers) updatePlace(c router.Context) error {
	patch, closeForm, err := h.placeForm(c)
	if err != nil {
		return controller.Error(c, err)
	}
	defer closeForm()

	rec, err := h.places.Update(c.Request().Context(), principalOf(c), c.Param("id"), patch)
	if err != nil {
		return controller.Error(c, err)
	}
	return controller.Success(c, rec)
}

func (h *Handlers) deletePlace(c router.Context) error {
	if err := h.places.Delete(c.Request().Context(), principalOf(c), c.Param("id")); err != nil {
		return controller.Error(c, err)
	}
	return controller.NoContent(c)
}

// placeForm decodes a place from a multipart form (fields title,
// description, address, lat, lng and file image) or from a JSON body.
// Only the fields sent are set, so the result also serves as a patch.
func (h *Handlers) placeForm(c router.Context) (crud.Record, func(), error) {
	noop := func() {}
	req := c.Request()
	if !strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/form-data") {
		rec, err := bindRecord(c)
		return rec, noop, err
	}

	if err := req.ParseMultipartForm(h.maxFormMemory); err != nil {
		return nil, noop, apperr.Validation("invalid multipart form", nil, err)
	}
	cleanup := func() { _ = req.MultipartForm.RemoveAll() }

	rec := crud.Record{}
	for _, field := range []string{"title", "description", "address"} {
		if values, ok := req.MultipartForm.Value[field]; ok && len(values) > 0 {
			rec[field] = values[0]
		}
	}
	lat, hasLat := formNumber(req.MultipartForm, "lat")
	lng, hasLng := formNumber(req.MultipartForm, "lng")
	if hasLat || hasLng {
		rec["location"] = map[string]any{"lat": lat, "lng": lng}
	}

	file, header, err := req.FormFile("image")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		cleanup()
		return nil, noop, apperr.Validation("invalid image upload", map[string]any{"field": "image"}, err)
	default:
		rec["image"] = &places.Image{
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
			Body:        file,
		}
		return rec, func() { _ = file.Close(); cleanup() }, nil
	}
	return rec, cleanup, nil
}

// formNumber returns the parsed value of field, or the raw text when it is
// not a number so validation can report it.
func formNumber(form *multipart.Form, field string) (any, bool) {
	values, ok := form.Value[field]
	if !ok || len(values) == 0 {
		return nil, false
	}
	raw := strings.TrimSpace(values[0])
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f, true
	}
	return raw, true
}
