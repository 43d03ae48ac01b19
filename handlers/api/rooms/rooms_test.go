package rooms

import (
	"context"
	"diagram-sync/core"
	"diagram-sync/session"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeSessions []session.Info

func (f fakeSessions) Sessions() []session.Info { return f }

type fakeRegistry struct {
	rooms []core.Room
	err   error
}

func (f *fakeRegistry) ListRooms(ctx context.Context) ([]core.Room, error) { return f.rooms, f.err }
func (f *fakeRegistry) TouchRoom(ctx context.Context, id string) error     { return nil }

func list(t *testing.T, sessions SessionLister, registry core.RoomRegistry) []Room {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/rooms", nil)
	rr := httptest.NewRecorder()
	HandleList(sessions, registry).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var rooms []Room
	if err := json.Unmarshal(rr.Body.Bytes(), &rooms); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return rooms
}

func TestHandleList_MergesLiveAndStored(t *testing.T) {
	now := time.Now()
	sessions := fakeSessions{
		{ID: "busy", Members: 3, LastActive: now},
		{ID: "quiet", Members: 1, LastActive: now, Dirty: true},
	}
	registry := &fakeRegistry{rooms: []core.Room{
		{ID: "quiet", LastActive: 1},
		{ID: "archived", LastActive: 500},
		{ID: "older", LastActive: 100},
	}}

	rooms := list(t, sessions, registry)
	if len(rooms) != 4 {
		t.Fatalf("Expected 4 rooms, got %d: %+v", len(rooms), rooms)
	}

	order := []string{"busy", "quiet", "archived", "older"}
	for i, id := range order {
		if rooms[i].ID != id {
			t.Errorf("Position %d: expected %s, got %s", i, id, rooms[i].ID)
		}
	}
	if rooms[1].LastActive == nil || *rooms[1].LastActive != now.UnixMilli() {
		t.Error("Live activity should win over older stored activity")
	}
	if !rooms[1].Dirty {
		t.Error("Expected dirty flag for quiet room")
	}
	if rooms[2].Users != 0 {
		t.Errorf("Stored-only room should have 0 users, got %d", rooms[2].Users)
	}
}

func TestHandleList_RegistryError(t *testing.T) {
	sessions := fakeSessions{{ID: "live", Members: 1}}
	rooms := list(t, sessions, &fakeRegistry{err: errors.New("unavailable")})

	if len(rooms) != 1 || rooms[0].ID != "live" {
		t.Errorf("Expected only live room on registry failure, got %+v", rooms)
	}
}

func TestHandleList_Empty(t *testing.T) {
	rooms := list(t, fakeSessions{}, nil)
	if len(rooms) != 0 {
		t.Errorf("Expected no rooms, got %+v", rooms)
	}
}
