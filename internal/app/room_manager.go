package app

import (
	"sync"

	"github.com/dkeye/duet/internal/core"
	"github.com/dkeye/duet/internal/domain"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomKey]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomKey]core.RoomService)}
}

func (f *RoomManagerImpl) GetOrCreate(room domain.Room) core.RoomService {
	key := room.Key()
	f.mu.RLock()
	rs, ok := f.rooms[key]
	f.mu.RUnlock()
	if ok {
		return rs
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rs, ok = f.rooms[key]; ok {
		return rs
	}
	rs = core.NewRoomService(room)
	f.rooms[key] = rs
	return rs
}

func (f *RoomManagerImpl) Get(key domain.RoomKey) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rs, ok := f.rooms[key]
	return rs, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for key, r := range f.rooms {
		out = append(out, core.RoomInfo{Key: key, MemberCount: r.MemberCount()})
	}
	return out
}

func (f *RoomManagerImpl) StopRoom(key domain.RoomKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, key)
}
