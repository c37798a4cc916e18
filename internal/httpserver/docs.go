package httpserver

import (
	"log"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/abishek-ctrl/tutor-ed/internal/sessionstore"
	"github.com/abishek-ctrl/tutor-ed/internal/tutorapi"
)

type docsResponse struct {
	Docs       []tutorapi.Document `json:"docs"`
	Reconciled int                 `json:"reconciled"`
}

func (s *Server) docsReady() error {
	if s.docs == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "document store is not configured")
	}
	return nil
}

// listDocs returns the user's documents and drops selections of documents
// that no longer exist from every session.
func (s *Server) listDocs(c echo.Context) error {
	if err := s.docsReady(); err != nil {
		return err
	}
	store, u, err := s.storeFor(c)
	if err != nil {
		return err
	}
	docs, err := s.docs.ListDocuments(c.Request().Context(), u.Email)
	if err != nil {
		log.Printf("list docs for %s: %v", u.Email, err)
		return c.JSON(http.StatusBadGateway, errorBody("could not list documents"))
	}
	n, err := sessionstore.Reconcile(store, sources(docs))
	if err != nil {
		log.Printf("reconcile sessions for %s: %v", u.Email, err)
	}
	if docs == nil {
		docs = []tutorapi.Document{}
	}
	return c.JSON(http.StatusOK, docsResponse{Docs: docs, Reconciled: n})
}

func (s *Server) uploadDocs(c echo.Context) error {
	if err := s.docsReady(); err != nil {
		return err
	}
	_, u, err := s.storeFor(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil || len(form.File["files"]) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody("no files uploaded"))
	}
	var files []tutorapi.File
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			closeAll(files)
			return c.JSON(http.StatusBadRequest, errorBody("could not read "+fh.Filename))
		}
		files = append(files, tutorapi.File{Name: fh.Filename, Data: f})
	}
	defer closeAll(files)

	n, err := s.docs.UploadDocuments(c.Request().Context(), u.Email, files)
	if err != nil {
		log.Printf("upload docs for %s: %v", u.Email, err)
		return c.JSON(http.StatusBadGateway, errorBody("upload failed"))
	}
	return c.JSON(http.StatusOK, map[string]int{"upserted_chunks": n})
}

// deleteDocs deletes the documents named by repeated ?name= parameters,
// or all of the user's documents when none are named.
func (s *Server) deleteDocs(c echo.Context) error {
	if err := s.docsReady(); err != nil {
		return err
	}
	store, u, err := s.storeFor(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	names := c.QueryParams()["name"]
	if err := s.docs.DeleteDocuments(ctx, u.Email, names...); err != nil {
		log.Printf("delete docs for %s: %v", u.Email, err)
		return c.JSON(http.StatusBadGateway, errorBody("delete failed"))
	}

	var remaining []string
	if len(names) > 0 {
		docs, err := s.docs.ListDocuments(ctx, u.Email)
		if err != nil {
			log.Printf("list docs for %s: %v", u.Email, err)
			return c.NoContent(http.StatusNoContent)
		}
		remaining = sources(docs)
	}
	if _, err := sessionstore.Reconcile(store, remaining); err != nil {
		log.Printf("reconcile sessions for %s: %v", u.Email, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) hasData(c echo.Context) error {
	if err := s.docsReady(); err != nil {
		return err
	}
	u, ok := userFrom(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, errorBody("email is required"))
	}
	has, err := s.docs.HasData(c.Request().Context(), u.Email)
	if err != nil {
		log.Printf("has-data for %s: %v", u.Email, err)
		return c.JSON(http.StatusBadGateway, errorBody("could not check documents"))
	}
	return c.JSON(http.StatusOK, map[string]bool{"has_data": has})
}

func sources(docs []tutorapi.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Source)
	}
	return out
}

func closeAll(files []tutorapi.File) {
	for _, f := range files {
		if c, ok := f.Data.(multipart.File); ok {
			_ = c.Close()
		}
	}
}
