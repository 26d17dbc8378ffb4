package api

import (
	"github.com/nimburion/places/pkg/apperr"
	"github.com/nimburion/places/pkg/controller"
	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/query"
	"github.com/nimburion/places/pkg/server/router"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  crud.Record `json:"user"`
}

func (h *Handlers) signup(c router.Context) error {
	rec, err := bindRecord(c)
	if err != nil {
		return controller.Error(c, err)
	}
	user, err := h.users.Signup(c.Request().Context(), principalOf(c), rec)
	if err != nil {
		return controller.Error(c, err)
	}
	return controller.Created(c, user)
}

func (h *Handlers) login(c router.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return controller.Error(c, apperr.Validation("request body must be a JSON object", nil, err))
	}
	token, user, err := h.users.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return controller.Error(c, err)
	}
	return controller.Success(c, loginResponse{Token: token, User: user})
}

func (h *Handlers) searchUsers(c router.Context) error {
	q, err := query.Normalize(c.QueryValues(), h.users.Schema())
	return search(c, h.users.Engine, q, err)
}

func (h *Handlers) getUser(c router.Context) error {
	rec, err := h.users.Retrieve(c.Request().Context(), principalOf(c), c.Param("id"))
	if err != nil {
		return controller.Error(c, err)
	}
	return controller.Success(c, rec)
}

func (h *Handlers) updateUser(c router.Context) error {
	patch, err := bindRecord(c)
	if err != nil {
		return controller.Error(c, err)
	}
	rec, err := h.users.Update(c.Request().Context(), principalOf(c), c.Param("id"), patch)
	if err != nil {
		return controller.Error(c, err)
	}
	return controller.Success(c, rec)
}

func (h *Handlers) deleteUser(c router.Context) error {
	if err := h.users.Delete(c.Request().Context(), principalOf(c), c.Param("id")); err != nil {
		return controller.Error(c, err)
	}
	return controller.NoContent(c)
}
