package diagrams

import (
	"diagram-sync/core"
	"diagram-sync/session"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const maxNameLength = 255

type (
	LiveSessions interface {
		Lookup(diagramID string) (*session.Session, bool)
	}

	// DiagramRequest is the body of create and update calls. Nil fields are
	// left unchanged by PATCH.
	DiagramRequest struct {
		ID          string  `json:"id,omitempty"`
		Name        *string `json:"name"`
		Description *string `json:"description"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)

// Register mounts the diagram metadata routes on r.
func Register(r chi.Router, sessions LiveSessions, diagrams core.DiagramStore, snapshots core.SnapshotStore) {
	r.Get("/api/diagrams", HandleList(diagrams))
	r.Post("/api/diagrams", HandleCreate(diagrams))
	r.Get("/api/diagrams/{diagramId}", HandleGet(diagrams))
	r.Put("/api/diagrams/{diagramId}", HandleUpdate(diagrams, false))
	r.Patch("/api/diagrams/{diagramId}", HandleUpdate(diagrams, true))
	r.Delete("/api/diagrams/{diagramId}", HandleDelete(sessions, diagrams, snapshots))
}

func fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

// now is truncated to milliseconds, the resolution every backend keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func validName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	return name, name != "" && utf8.RuneCountInString(name) <= maxNameLength
}

func decode(w http.ResponseWriter, r *http.Request) (*DiagramRequest, bool) {
	var req DiagramRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return &req, true
}

func HandleList(diagrams core.DiagramStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := diagrams.ListDiagrams(r.Context())
		if err != nil {
			logrus.WithError(err).Error("Failed to list diagrams")
			fail(w, r, http.StatusInternalServerError, "failed to list diagrams")
			return
		}
		if list == nil {
			list = []core.Diagram{}
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
				return list[i].ID < list[j].ID
			}
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		})
		render.JSON(w, r, list)
	}
}

// HandleCreate registers a diagram. The id is generated when the body omits
// it.
func HandleCreate(diagrams core.DiagramStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decode(w, r)
		if !ok {
			return
		}
		if req.ID == "" {
			req.ID = ulid.Make().String()
		}
		if !core.ValidDiagramID(req.ID) {
			fail(w, r, http.StatusBadRequest, "invalid diagram id")
			return
		}
		if req.Name == nil {
			fail(w, r, http.StatusBadRequest, "name is required")
			return
		}
		name, ok := validName(*req.Name)
		if !ok {
			fail(w, r, http.StatusBadRequest, "invalid name")
			return
		}

		created := now()
		diagram := &core.Diagram{ID: req.ID, Name: name, CreatedAt: created, UpdatedAt: created}
		if req.Description != nil {
			diagram.Description = *req.Description
		}

		err := diagrams.CreateDiagram(r.Context(), diagram)
		if errors.Is(err, core.ErrDiagramExists) {
			fail(w, r, http.StatusConflict, "diagram already exists")
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("diagram_id", diagram.ID).Error("Failed to create diagram")
			fail(w, r, http.StatusInternalServerError, "failed to create diagram")
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, diagram)
	}
}

func HandleGet(diagrams core.DiagramStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diagramID := chi.URLParam(r, "diagramId")
		if !core.ValidDiagramID(diagramID) {
			fail(w, r, http.StatusBadRequest, "invalid diagram id")
			return
		}
		diagram, err := diagrams.GetDiagram(r.Context(), diagramID)
		if errors.Is(err, core.ErrNotFound) {
			fail(w, r, http.StatusNotFound, "diagram not found")
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("diagram_id", diagramID).Error("Failed to get diagram")
			fail(w, r, http.StatusInternalServerError, "failed to get diagram")
			return
		}
		render.JSON(w, r, diagram)
	}
}

// HandleUpdate replaces name and description, or only the fields present in
// the body when partial is set. The id in the path wins over the body.
func HandleUpdate(diagrams core.DiagramStore, partial bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diagramID := chi.URLParam(r, "diagramId")
		if !core.ValidDiagramID(diagramID) {
			fail(w, r, http.StatusBadRequest, "invalid diagram id")
			return
		}
		req, ok := decode(w, r)
		if !ok {
			return
		}
		if req.Name == nil && !partial {
			fail(w, r, http.StatusBadRequest, "name is required")
			return
		}
		log := logrus.WithField("diagram_id", diagramID)

		diagram, err := diagrams.GetDiagram(r.Context(), diagramID)
		if errors.Is(err, core.ErrNotFound) {
			fail(w, r, http.StatusNotFound, "diagram not found")
			return
		}
		if err != nil {
			log.WithError(err).Error("Failed to get diagram")
			fail(w, r, http.StatusInternalServerError, "failed to update diagram")
			return
		}

		if req.Name != nil {
			name, ok := validName(*req.Name)
			if !ok {
				fail(w, r, http.StatusBadRequest, "invalid name")
				return
			}
			diagram.Name = name
		}
		switch {
		case req.Description != nil:
			diagram.Description = *req.Description
		case !partial:
			diagram.Description = ""
		}
		diagram.UpdatedAt = now()

		err = diagrams.UpdateDiagram(r.Context(), diagram)
		if errors.Is(err, core.ErrNotFound) {
			fail(w, r, http.StatusNotFound, "diagram not found")
			return
		}
		if err != nil {
			log.WithError(err).Error("Failed to update diagram")
			fail(w, r, http.StatusInternalServerError, "failed to update diagram")
			return
		}
		render.JSON(w, r, diagram)
	}
}

// HandleDelete removes the diagram record together with its stored snapshot.
// Diagrams with a live session are refused with 409.
func HandleDelete(sessions LiveSessions, diagrams core.DiagramStore, snapshots core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diagramID := chi.URLParam(r, "diagramId")
		if !core.ValidDiagramID(diagramID) {
			fail(w, r, http.StatusBadRequest, "invalid diagram id")
			return
		}
		if _, live := sessions.Lookup(diagramID); live {
			fail(w, r, http.StatusConflict, "diagram has connected clients")
			return
		}
		log := logrus.WithField("diagram_id", diagramID)

		if _, err := diagrams.GetDiagram(r.Context(), diagramID); errors.Is(err, core.ErrNotFound) {
			fail(w, r, http.StatusNotFound, "diagram not found")
			return
		} else if err != nil {
			log.WithError(err).Error("Failed to get diagram")
			fail(w, r, http.StatusInternalServerError, "failed to delete diagram")
			return
		}

		// The snapshot goes first so a failure leaves the record in place
		// for a retry.
		if err := snapshots.Delete(r.Context(), diagramID); err != nil && !errors.Is(err, core.ErrNotFound) {
			log.WithError(err).Error("Failed to delete snapshot")
			fail(w, r, http.StatusInternalServerError, "failed to delete diagram")
			return
		}

		err := diagrams.DeleteDiagram(r.Context(), diagramID)
		if errors.Is(err, core.ErrNotFound) {
			fail(w, r, http.StatusNotFound, "diagram not found")
			return
		}
		if err != nil {
			log.WithError(err).Error("Failed to delete diagram")
			fail(w, r, http.StatusInternalServerError, "failed to delete diagram")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
