// Package presence owns a user's liveness record: the data model at the store
// boundary and the per-tab controller that keeps it truthful.
package presence

import "encoding/json"

// ConnState is a user's connection state as shown to other clients.
type ConnState string

const (
	StateOnline  ConnState = "online"
	StateAway    ConnState = "away"
	StateOffline ConnState = "offline"
)

// User is the profile record at room/users/{id}. Timestamps are UnixMilli.
type User struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Color           string    `json:"color"`
	JoinedAt        int64     `json:"joinedAt"`
	LastSeen        int64     `json:"lastSeen"`
	IsOnline        bool      `json:"isOnline"`
	ConnectionState ConnState `json:"connectionState"`
}

// Valid reports whether the record carries every required field. Records
// failing this check are partial-write debris and get self-healed away.
func (u User) Valid() bool {
	return u.ID != "" && u.Name != "" && u.Color != ""
}

// Presence is the liveness record at room/presence/{id}, kept separate from
// the profile so liveness bookkeeping never races profile data.
// DisconnectTime and GracePeriodActive are written only by the store-side
// disconnect trigger, never by a live client — their presence is how the
// sweeper tells "client vanished" apart from "client said goodbye".
type Presence struct {
	IsOnline          bool      `json:"isOnline"`
	LastSeen          int64     `json:"lastSeen"`
	ConnectionState   ConnState `json:"connectionState"`
	DisconnectTime    int64     `json:"disconnectTime,omitempty"`
	GracePeriodActive bool      `json:"gracePeriodActive,omitempty"`
}

// TypingStatus is the ephemeral record at room/typing/{id}.
type TypingStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartedAt int64  `json:"startedAt"`
}

func DecodeUser(data []byte) (User, error) {
	var u User
	err := json.Unmarshal(data, &u)
	return u, err
}

func DecodePresence(data []byte) (Presence, error) {
	var p Presence
	err := json.Unmarshal(data, &p)
	return p, err
}
