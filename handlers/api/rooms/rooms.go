package rooms

import (
	"diagram-sync/core"
	"diagram-sync/session"
	"net/http"
	"sort"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	Room struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive *int64 `json:"lastActive,omitempty"`
		Dirty      bool   `json:"dirty,omitempty"`
	}

	SessionLister interface {
		Sessions() []session.Info
	}
)

// HandleList merges live sessions with the activity recorded by the store.
// registry may be nil when the store does not track rooms.
func HandleList(sessions SessionLister, registry core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*Room)

		for _, info := range sessions.Sessions() {
			entry := &Room{ID: info.ID, Users: info.Members, Dirty: info.Dirty}
			if !info.LastActive.IsZero() {
				lastActive := info.LastActive.UnixMilli()
				entry.LastActive = &lastActive
			}
			roomMap[info.ID] = entry
		}

		if registry != nil {
			if storedRooms, err := registry.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					entry, exists := roomMap[room.ID]
					if !exists {
						entry = &Room{ID: room.ID}
						roomMap[room.ID] = entry
					}
					if room.LastActive > 0 && (entry.LastActive == nil || room.LastActive > *entry.LastActive) {
						lastActive := room.LastActive
						entry.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]Room, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}

		sort.Slice(roomList, func(i, j int) bool {
			if roomList[i].Users == roomList[j].Users {
				li := int64(0)
				if roomList[i].LastActive != nil {
					li = *roomList[i].LastActive
				}
				lj := int64(0)
				if roomList[j].LastActive != nil {
					lj = *roomList[j].LastActive
				}
				if li == lj {
					return roomList[i].ID < roomList[j].ID
				}
				return li > lj
			}
			return roomList[i].Users > roomList[j].Users
		})

		render.JSON(w, r, roomList)
	}
}
