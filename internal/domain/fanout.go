package domain

// FanoutEvent is a server event together with its audience. It is what
// travels between gateway instances.
type FanoutEvent struct {
	Message WebSocketMessage `json:"message"`

	// Every connection of these identities, joined to a room or not.
	Identities []Identity `json:"identities,omitempty"`
	// Every connection currently joined to this chat room.
	Room int64 `json:"room,omitempty"`
	// Every connection on the gateway.
	Broadcast bool `json:"broadcast,omitempty"`

	ExceptConnection string    `json:"exceptConnection,omitempty"`
	ExceptIdentity   *Identity `json:"exceptIdentity,omitempty"`

	// Events sharing a key keep their publish order across instances.
	Key string `json:"key,omitempty"`
}

// Excludes reports whether a connection is filtered out of the audience.
func (e *FanoutEvent) Excludes(connectionID string, identity Identity) bool {
	if e.ExceptConnection != "" && e.ExceptConnection == connectionID {
		return true
	}
	return e.ExceptIdentity != nil && e.ExceptIdentity.Same(identity)
}
