package models

// RoomInfo describes a live room as seen by this relay process
type RoomInfo struct {
	ID          string   `json:"id"`
	Members     []string `json:"members"`
	MemberCount int      `json:"memberCount"`
	// ClusterMemberCount is only set when the Redis presence mirror is enabled.
	ClusterMemberCount *int64 `json:"clusterMemberCount,omitempty"`
}

// RoomList is the response for listing rooms
type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
	Count int        `json:"count"`
}
