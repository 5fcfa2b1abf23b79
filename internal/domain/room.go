package domain

// RoomSummary is a point-in-time view of one non-empty room.
type RoomSummary struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
}
