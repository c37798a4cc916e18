package httpserver

import (
	"context"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/abishek-ctrl/tutor-ed/internal/capture"
	"github.com/abishek-ctrl/tutor-ed/internal/config"
	"github.com/abishek-ctrl/tutor-ed/internal/kv"
	"github.com/abishek-ctrl/tutor-ed/internal/phone"
	"github.com/abishek-ctrl/tutor-ed/internal/rtc"
	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutor"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
	"github.com/abishek-ctrl/tutor-ed/internal/voice"
)

// Documents is the per-user document store of the RAG backend.
type Documents interface {
	ListDocuments(ctx context.Context, email string) ([]tutorapi.Document, error)
	UploadDocuments(ctx context.Context, email string, files []tutorapi.File) (int, error)
	DeleteDocuments(ctx context.Context, email string, names ...string) error
	HasData(ctx context.Context, email string) (bool, error)
}

// Services are the collaborators the routes need. A nil Sessions gets an
// in-memory registry; a nil Docs disables the /api/docs routes.
type Services struct {
	Sessions *sessionstore.Registry
	Docs     Documents
	Tutor    tutor.Config
	Capture  capture.Config
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler

	cfg      config.Config
	sessions *sessionstore.Registry
	docs     Documents
	tutor    tutor.Config
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, svc Services) *Server {
	if svc.Sessions == nil {
		svc.Sessions = sessionstore.NewRegistry(kv.NewMemory())
	}
	if svc.Capture.WindowSize <= 0 {
		svc.Capture = capture.DefaultConfig()
	}
	// One turn per session across chat requests, voice sockets, WebRTC
	// calls and phone calls.
	if svc.Tutor.Turns == nil {
		svc.Tutor.Turns = tutor.NewTurns()
	}
	s := &Server{cfg: cfg, sessions: svc.Sessions, docs: svc.Docs, tutor: svc.Tutor}

	e := newRouter()
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	auth := requirePassword(cfg.AuthPassword)

	e.GET("/api/sessions", s.listSessions, auth)
	e.POST("/api/sessions", s.createSession, auth)
	e.GET("/api/sessions/:id", s.getSession, auth)
	e.PATCH("/api/sessions/:id", s.updateSession, auth)
	e.DELETE("/api/sessions/:id", s.deleteSession, auth)
	e.POST("/api/sessions/:id/chat", s.chat, auth)

	e.GET("/api/docs", s.listDocs, auth)
	e.POST("/api/docs", s.uploadDocs, auth)
	e.DELETE("/api/docs", s.deleteDocs, auth)
	e.GET("/api/user/has-data", s.hasData, auth)

	vh := &voice.Handler{Sessions: svc.Sessions, Tutor: svc.Tutor, Capture: svc.Capture}
	e.GET("/api/voice", echo.WrapHandler(vh), auth)

	rh := rtc.NewHandler(svc.Sessions, svc.Tutor, svc.Capture, cfg.ICEServersJSON)
	e.POST("/api/call", func(c echo.Context) error { return s.call(c, rh) }, auth)
	// The signaling socket authenticates itself so browsers can send the
	// password as the first message.
	e.GET("/api/call/ws", func(c echo.Context) error {
		rh.ServeWebSocket(c.Response(), c.Request(), cfg.AuthPassword)
		return nil
	})

	ph := phone.New(phone.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		BaseURL:    cfg.BaseURL,
	}, svc.Sessions, svc.Tutor)
	ph.RegisterHandlers(e)

	s.Router = e
	return s
}

// callRequest is the body of POST /api/call. Caller falls back to the
// request's user headers.
type callRequest struct {
	rtc.SessionDescription
	Caller *rtc.Caller `json:"caller,omitempty"`
}

func (s *Server) call(c echo.Context, h *rtc.Handler) error {
	var req callRequest
	if err := c.Bind(&req); err != nil {
		log.Printf("invalid offer: %v", err)
		return c.JSON(http.StatusBadRequest, errorBody("invalid offer"))
	}
	caller := rtc.Caller{SessionID: c.QueryParam("session")}
	if req.Caller != nil {
		caller = *req.Caller
	}
	if caller.Email == "" {
		u, ok := userFrom(c)
		if !ok {
			return c.JSON(http.StatusBadRequest, errorBody("email is required"))
		}
		caller.Email, caller.Name = u.Email, u.Name
	}
	answer, err := h.HandleOffer(c.Request().Context(), caller, req.SessionDescription)
	if err != nil {
		log.Printf("webrtc handle offer failed: %v", err)
		return c.JSON(http.StatusInternalServerError, errorBody("could not answer offer"))
	}
	return c.JSON(http.StatusOK, answer)
}

func requirePassword(expected string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rtcAuthOK(c.Request(), expected) {
				return c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
			}
			return next(c)
		}
	}
}

// rtcAuthOK reports whether r carries the shared password. An empty
// password disables the check.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	return rtc.CheckAuthHeaderOrQuery(r, expected)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
