package snapshots

import (
	"diagram-sync/core"
	"diagram-sync/session"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

type LiveSessions interface {
	Lookup(diagramID string) (*session.Session, bool)
}

// Register mounts the snapshot routes on r.
func Register(r chi.Router, sessions LiveSessions, store core.SnapshotStore) {
	r.Route("/api/diagrams/{diagramId}/snapshot", func(r chi.Router) {
		r.Get("/", HandleExport(sessions, store))
		r.Delete("/", HandleDelete(sessions, store))
	})
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: msg})
}

func etag(data []byte) string {
	sum := blake3.Sum256(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func matches(ifNoneMatch, tag string) bool {
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == tag || candidate == "*" {
			return true
		}
	}
	return false
}

// HandleExport serves the diagram's snapshot as binary. A live session is
// exported from memory so the response includes updates not yet flushed.
func HandleExport(sessions LiveSessions, store core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diagramID := chi.URLParam(r, "diagramId")
		if !core.ValidDiagramID(diagramID) {
			fail(w, r, http.StatusBadRequest, "invalid diagram id")
			return
		}
		log := logrus.WithField("diagram_id", diagramID)

		var (
			data      []byte
			updatedAt time.Time
			err       error
		)
		if s, ok := sessions.Lookup(diagramID); ok {
			data, err = s.Snapshot()
			updatedAt = s.Info().LastActive
		}
		if data == nil {
			var snapshot *core.Snapshot
			snapshot, err = store.Load(r.Context(), diagramID)
			if err == nil {
				data, updatedAt = snapshot.Data, snapshot.UpdatedAt
			}
		}
		if errors.Is(err, core.ErrNotFound) {
			fail(w, r, http.StatusNotFound, "snapshot not found")
			return
		}
		if err != nil {
			log.WithError(err).Error("Failed to export snapshot")
			fail(w, r, http.StatusInternalServerError, "failed to export snapshot")
			return
		}

		tag := etag(data)
		w.Header().Set("ETag", tag)
		w.Header().Set("Cache-Control", "no-cache")
		if !updatedAt.IsZero() {
			w.Header().Set("Last-Modified", updatedAt.UTC().Format(http.TimeFormat))
		}
		if inm := r.Header.Get("If-None-Match"); inm != "" && matches(inm, tag) {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="`+diagramID+`.snapshot"`)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			log.WithError(err).Debug("Failed to write snapshot response")
		}
	}
}

// HandleDelete removes a stored snapshot. Diagrams with a live session are
// refused with 409.
func HandleDelete(sessions LiveSessions, store core.SnapshotStore) http.HandlerFunc {
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

		err := store.Delete(r.Context(), diagramID)
		if errors.Is(err, core.ErrNotFound) {
			fail(w, r, http.StatusNotFound, "snapshot not found")
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("diagram_id", diagramID).Error("Failed to delete snapshot")
			fail(w, r, http.StatusInternalServerError, "failed to delete snapshot")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
