package httpserver

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/abishek-ctrl/tutor-ed/internal/account"
	"github.com/abishek-ctrl/tutor-ed/internal/conversation"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

const (
	userEmailHeader = "X-User-Email"
	userNameHeader  = "X-User-Name"
)

// userFrom identifies the user from the X-User-* headers or the email and
// name query parameters.
func userFrom(c echo.Context) (account.User, bool) {
	u := account.User{
		Email: strings.TrimSpace(c.Request().Header.Get(userEmailHeader)),
		Name:  strings.TrimSpace(c.Request().Header.Get(userNameHeader)),
	}
	if u.Email == "" {
		u.Email = strings.TrimSpace(c.QueryParam("email"))
	}
	if u.Name == "" {
		u.Name = strings.TrimSpace(c.QueryParam("name"))
	}
	return u, u.Email != ""
}

func (s *Server) storeFor(c echo.Context) (*sessionstore.Store, account.User, error) {
	u, ok := userFrom(c)
	if !ok {
		return nil, u, echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}
	store, err := s.sessions.For(u.Email)
	if err != nil {
		log.Printf("load sessions for %s: %v", u.Email, err)
		return nil, u, echo.NewHTTPError(http.StatusInternalServerError, "could not load sessions")
	}
	return store, u, nil
}

func (s *Server) listSessions(c echo.Context) error {
	store, _, err := s.storeFor(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, store.Sessions())
}

func (s *Server) createSession(c echo.Context) error {
	store, _, err := s.storeFor(c)
	if err != nil {
		return err
	}
	var d sessionstore.Draft
	if err := c.Bind(&d); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid session"))
	}
	if strings.TrimSpace(d.Name) == "" {
		d.Name = conversation.DefaultSessionName
	}
	sess, err := store.Create(d)
	if err != nil {
		log.Printf("create session: %v", err)
		return c.JSON(http.StatusInternalServerError, errorBody("could not save session"))
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) getSession(c echo.Context) error {
	store, _, err := s.storeFor(c)
	if err != nil {
		return err
	}
	sess, ok := store.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) updateSession(c echo.Context) error {
	store, _, err := s.storeFor(c)
	if err != nil {
		return err
	}
	var p sessionstore.Patch
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid patch"))
	}
	id := c.Param("id")
	ok, err := store.Update(id, p)
	if err != nil {
		log.Printf("update session %s: %v", id, err)
		return c.JSON(http.StatusInternalServerError, errorBody("could not save session"))
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}
	sess, _ := store.Get(id)
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) deleteSession(c echo.Context) error {
	store, _, err := s.storeFor(c)
	if err != nil {
		return err
	}
	ok, err := store.Delete(c.Param("id"))
	if err != nil {
		log.Printf("delete session: %v", err)
		return c.JSON(http.StatusInternalServerError, errorBody("could not save sessions"))
	}
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("session not found"))
	}
	return c.NoContent(http.StatusNoContent)
}

type chatRequest struct {
	Text string `json:"text"`
}

type chatResponse struct {
	SessionID string              `json:"sessionId"`
	User      string              `json:"user"`
	Reply     string              `json:"reply"`
	Emotion   tutor.Emotion       `json:"emotion"`
	Citations []tutorapi.Citation `json:"citations,omitempty"`
}

// chat runs a typed turn. Replies are returned as text only.
func (s *Server) chat(c echo.Context) error {
	store, u, err := s.storeFor(c)
	if err != nil {
		return err
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid message"))
	}
	cfg := s.tutor
	cfg.Synthesizer, cfg.Player = nil, nil
	t := tutor.New(cfg, store, u, tutor.Events{})
	turn, err := t.HandleText(c.Request().Context(), c.Param("id"), req.Text)
	if err != nil {
		var remote *tutor.RemoteError
		switch {
		case errors.Is(err, tutor.ErrNoSpeech):
			return c.JSON(http.StatusBadRequest, errorBody("message is empty"))
		case errors.Is(err, tutor.ErrNoSession):
			return c.JSON(http.StatusNotFound, errorBody("session not found"))
		case errors.Is(err, tutor.ErrBusy):
			return c.JSON(http.StatusConflict, errorBody(err.Error()))
		case errors.As(err, &remote):
			return c.JSON(http.StatusBadGateway, errorBody(remote.Error()))
		}
		log.Printf("chat turn: %v", err)
		return c.JSON(http.StatusInternalServerError, errorBody("chat failed"))
	}
	return c.JSON(http.StatusOK, chatResponse{
		SessionID: turn.SessionID,
		User:      turn.User,
		Reply:     turn.Reply,
		Emotion:   turn.Emotion,
		Citations: turn.Citations,
	})
}
