package httpapi

import "github.com/google/uuid"

// subscriberID mints a session id for a new websocket subscriber.
func subscriberID() string {
	return uuid.NewString()
}
