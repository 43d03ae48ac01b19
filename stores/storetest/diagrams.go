// Package storetest holds behaviour checks shared by every backend.
package storetest

import (
	"context"
	"diagram-sync/core"
	"errors"
	"testing"
	"time"
)

// DiagramStore exercises create, read, update, list and delete against an
// empty store.
func DiagramStore(t *testing.T, store core.DiagramStore) {
	t.Helper()
	ctx := context.Background()
	created := time.UnixMilli(1700000000000).UTC()

	diagram := &core.Diagram{
		ID:          "d1",
		Name:        "Network",
		Description: "Office LAN",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if err := store.CreateDiagram(ctx, diagram); err != nil {
		t.Fatalf("CreateDiagram() failed: %v", err)
	}
	if err := store.CreateDiagram(ctx, diagram); !errors.Is(err, core.ErrDiagramExists) {
		t.Errorf("CreateDiagram(duplicate) error = %v, want ErrDiagramExists", err)
	}

	got, err := store.GetDiagram(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDiagram() failed: %v", err)
	}
	if got.Name != "Network" || got.Description != "Office LAN" {
		t.Errorf("GetDiagram() = %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(created) {
		t.Errorf("timestamps not preserved: created %v updated %v", got.CreatedAt, got.UpdatedAt)
	}

	if _, err := store.GetDiagram(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetDiagram(missing) error = %v, want ErrNotFound", err)
	}

	updated := *got
	updated.Name = "Network v2"
	updated.UpdatedAt = created.Add(time.Minute)
	if err := store.UpdateDiagram(ctx, &updated); err != nil {
		t.Fatalf("UpdateDiagram() failed: %v", err)
	}
	got, err = store.GetDiagram(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDiagram() after update failed: %v", err)
	}
	if got.Name != "Network v2" || !got.UpdatedAt.Equal(updated.UpdatedAt) {
		t.Errorf("update not applied: %+v", got)
	}
	if err := store.UpdateDiagram(ctx, &core.Diagram{ID: "missing", Name: "x"}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdateDiagram(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.CreateDiagram(ctx, &core.Diagram{ID: "d2", Name: "Second", CreatedAt: created, UpdatedAt: created}); err != nil {
		t.Fatalf("CreateDiagram(d2) failed: %v", err)
	}
	list, err := store.ListDiagrams(ctx)
	if err != nil {
		t.Fatalf("ListDiagrams() failed: %v", err)
	}
	ids := map[string]bool{}
	for _, d := range list {
		ids[d.ID] = true
	}
	if len(list) != 2 || !ids["d1"] || !ids["d2"] {
		t.Errorf("ListDiagrams() = %+v, want d1 and d2", list)
	}

	if err := store.DeleteDiagram(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDiagram() failed: %v", err)
	}
	if _, err := store.GetDiagram(ctx, "d1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetDiagram() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.DeleteDiagram(ctx, "d1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("DeleteDiagram(missing) error = %v, want ErrNotFound", err)
	}
}
