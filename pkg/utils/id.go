package utils

import "github.com/google/uuid"

// GenID returns a new random identifier. Message ids, correlation ids
// and connection ids all use the same shape.
func GenID() string {
	return uuid.NewString()
}
