package domain

// RoomKey is the channel-routing key of a two-party conversation.
type RoomKey string

// Room is an unordered pair of identities.
type Room struct {
	A UserID
	B UserID
}

// NewRoom normalizes the pair so that NewRoom(x, y) == NewRoom(y, x).
func NewRoom(a, b UserID) Room {
	if b < a {
		a, b = b, a
	}
	return Room{A: a, B: b}
}

func (r Room) Key() RoomKey {
	return RoomKey(string(r.A) + ":" + string(r.B))
}

func (r Room) Has(id UserID) bool {
	return r.A == id || r.B == id
}

// Other returns the member of the room that is not id.
func (r Room) Other(id UserID) UserID {
	if r.A == id {
		return r.B
	}
	return r.A
}

func (r Room) IsZero() bool {
	return r.A == "" && r.B == ""
}
