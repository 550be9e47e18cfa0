package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/spitfire4040/chatcore/internal/config"
)

// storedUser is the credential record Persistence keeps private.
type storedUser struct {
	ID           uuid.UUID              `json:"id"`
	Username     string                 `json:"username"`
	PasswordHash string                 `json:"password_hash"`
	Rooms        map[uuid.UUID]struct{} `json:"-"`
	RoomList     []uuid.UUID            `json:"rooms"`
}

// roomRecord is a room's on-disk representation.
type roomRecord struct {
	ID           uuid.UUID   `json:"id"`
	Name         string      `json:"name"`
	PasswordHash *string     `json:"password_hash,omitempty"`
	Owner        *uuid.UUID  `json:"owner,omitempty"`
	Members      []uuid.UUID `json:"members"`
}

// Store is the narrow data-access interface the Persistence actor drives.
// It is touched exclusively from inside the Persistence goroutine, so no
// locking is required of implementations beyond what their own backing
// store needs for its own durability (e.g. atomic file writes).
type Store interface {
	CreateUser(username, passwordHash string, initialRoom uuid.UUID) (storedUser, error)
	UserByUsername(username string) (storedUser, bool, error)
	UserByID(id uuid.UUID) (storedUser, bool, error)
	AddRoomMembership(userID, roomID uuid.UUID) error
	RemoveRoomMembership(userID, roomID uuid.UUID) error
	CreateRoom(name string, passwordHash *string, owner uuid.UUID) (roomRecord, error)
	RoomByName(name string) (roomRecord, bool, error)
	RoomByID(id uuid.UUID) (roomRecord, bool, error)
	RoomsForUser(userID uuid.UUID) ([]roomRecord, error)
	AddRoomMember(roomID, userID uuid.UUID) error
	RemoveRoomMember(roomID, userID uuid.UUID) error
}

// JSONStore is a narrow data-access layer over two JSON files, generalizing
// the teacher's file-backed Store (users.json/messages.json with a
// sync.RWMutex guarding in-memory maps) to cover rooms and membership
// instead of a flat message log. Persistence never calls it concurrently
// — the mutex guards the in-memory maps for any other caller in the same
// process. It does not lock the files on disk, so another process writing
// the same files is not guarded against.
type JSONStore struct {
	mu sync.RWMutex

	usersPath string
	roomsPath string

	usersByName map[string]*storedUser // keyed by exact username (case-sensitive)
	usersByID   map[uuid.UUID]*storedUser
	rooms       map[uuid.UUID]*roomRecord
	roomsByName map[string]*roomRecord
}

// NewJSONStore opens (or initializes) a JSONStore rooted at dir, with the
// given user and room file names, seeding the well-known public room on
// first run.
func NewJSONStore(dir, usersFile, roomsFile string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create data dir: %w", err)
	}

	s := &JSONStore{
		usersPath:   filepath.Join(dir, usersFile),
		roomsPath:   filepath.Join(dir, roomsFile),
		usersByName: make(map[string]*storedUser),
		usersByID:   make(map[uuid.UUID]*storedUser),
		rooms:       make(map[uuid.UUID]*roomRecord),
		roomsByName: make(map[string]*roomRecord),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if _, ok := s.rooms[config.PublicRoomID]; !ok {
		public := &roomRecord{
			ID:      config.PublicRoomID,
			Name:    config.PublicRoomName,
			Members: []uuid.UUID{},
		}
		s.rooms[public.ID] = public
		s.roomsByName[strings.ToLower(public.Name)] = public
		if err := s.saveRoomsLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *JSONStore) load() error {
	if data, err := os.ReadFile(s.usersPath); err == nil {
		var users []*storedUser
		if err := json.Unmarshal(data, &users); err != nil {
			return fmt.Errorf("persistence: parse %s: %w", s.usersPath, err)
		}
		for _, u := range users {
			u.Rooms = make(map[uuid.UUID]struct{}, len(u.RoomList))
			for _, r := range u.RoomList {
				u.Rooms[r] = struct{}{}
			}
			s.usersByName[u.Username] = u
			s.usersByID[u.ID] = u
		}
	}

	if data, err := os.ReadFile(s.roomsPath); err == nil {
		var rooms []*roomRecord
		if err := json.Unmarshal(data, &rooms); err != nil {
			return fmt.Errorf("persistence: parse %s: %w", s.roomsPath, err)
		}
		for _, r := range rooms {
			s.rooms[r.ID] = r
			s.roomsByName[strings.ToLower(r.Name)] = r
		}
	}
	return nil
}

func (s *JSONStore) saveUsersLocked() error {
	users := make([]*storedUser, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		u.RoomList = make([]uuid.UUID, 0, len(u.Rooms))
		for r := range u.Rooms {
			u.RoomList = append(u.RoomList, r)
		}
		users = append(users, u)
	}
	return writeJSON(s.usersPath, users)
}

func (s *JSONStore) saveRoomsLocked() error {
	rooms := make([]*roomRecord, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	return writeJSON(s.roomsPath, rooms)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// CreateUser inserts a new user row, already a member of initialRoom.
func (s *JSONStore) CreateUser(username, passwordHash string, initialRoom uuid.UUID) (storedUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[username]; exists {
		return storedUser{}, fmt.Errorf("username %q is already taken", username)
	}

	u := &storedUser{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: passwordHash,
		Rooms:        map[uuid.UUID]struct{}{initialRoom: {}},
	}
	s.usersByName[username] = u
	s.usersByID[u.ID] = u

	if room, ok := s.rooms[initialRoom]; ok {
		room.Members = append(room.Members, u.ID)
	}

	if err := s.saveUsersLocked(); err != nil {
		return storedUser{}, err
	}
	if err := s.saveRoomsLocked(); err != nil {
		return storedUser{}, err
	}
	return *u, nil
}

// UserByUsername looks up a user by exact, case-sensitive username.
func (s *JSONStore) UserByUsername(username string) (storedUser, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByName[username]
	if !ok {
		return storedUser{}, false, nil
	}
	return *u, true, nil
}

// UserByID looks up a user by id.
func (s *JSONStore) UserByID(id uuid.UUID) (storedUser, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	if !ok {
		return storedUser{}, false, nil
	}
	return *u, true, nil
}

// AddRoomMembership records that userID has joined roomID.
func (s *JSONStore) AddRoomMembership(userID, roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByID[userID]
	if !ok {
		return fmt.Errorf("persistence: unknown user %s", userID)
	}
	if u.Rooms == nil {
		u.Rooms = map[uuid.UUID]struct{}{}
	}
	u.Rooms[roomID] = struct{}{}
	return s.saveUsersLocked()
}

// RemoveRoomMembership records that userID has left roomID.
func (s *JSONStore) RemoveRoomMembership(userID, roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByID[userID]
	if !ok {
		return fmt.Errorf("persistence: unknown user %s", userID)
	}
	delete(u.Rooms, roomID)
	return s.saveUsersLocked()
}

// CreateRoom inserts a new room row. Room names are unique.
func (s *JSONStore) CreateRoom(name string, passwordHash *string, owner uuid.UUID) (roomRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(name)
	if _, exists := s.roomsByName[key]; exists {
		return roomRecord{}, fmt.Errorf("room name %q is already taken", name)
	}

	r := &roomRecord{
		ID:           uuid.New(),
		Name:         name,
		PasswordHash: passwordHash,
		Owner:        &owner,
		Members:      []uuid.UUID{owner},
	}
	s.rooms[r.ID] = r
	s.roomsByName[key] = r

	if err := s.saveRoomsLocked(); err != nil {
		return roomRecord{}, err
	}
	return *r, nil
}

// RoomByName looks up a room by case-insensitive name.
func (s *JSONStore) RoomByName(name string) (roomRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roomsByName[strings.ToLower(name)]
	if !ok {
		return roomRecord{}, false, nil
	}
	return *r, true, nil
}

// RoomByID looks up a room by id.
func (s *JSONStore) RoomByID(id uuid.UUID) (roomRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return roomRecord{}, false, nil
	}
	return *r, true, nil
}

// RoomsForUser returns every room userID belongs to.
func (s *JSONStore) RoomsForUser(userID uuid.UUID) ([]roomRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[userID]
	if !ok {
		return nil, fmt.Errorf("persistence: unknown user %s", userID)
	}
	out := make([]roomRecord, 0, len(u.Rooms))
	for id := range u.Rooms {
		if r, ok := s.rooms[id]; ok {
			out = append(out, *r)
		}
	}
	return out, nil
}

// AddRoomMember appends userID to roomID's member list.
func (s *JSONStore) AddRoomMember(roomID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("persistence: unknown room %s", roomID)
	}
	for _, m := range r.Members {
		if m == userID {
			return nil
		}
	}
	r.Members = append(r.Members, userID)
	return s.saveRoomsLocked()
}

// RemoveRoomMember removes userID from roomID's member list.
func (s *JSONStore) RemoveRoomMember(roomID, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("persistence: unknown room %s", roomID)
	}
	filtered := r.Members[:0]
	for _, m := range r.Members {
		if m != userID {
			filtered = append(filtered, m)
		}
	}
	r.Members = filtered
	return s.saveRoomsLocked()
}
