package utils // import "github.com/osworld-broker/broker/utils"

import "github.com/google/uuid"

// Note: We use this value as a placeholder UUID because it is obvious and
// immediate when parsing/searching through logs, and by using a non nil
// placeholder UUID we are able to detect the error when a UUID is nil.

// PlaceholderTestUUID returns the special uuid to use as a placeholder during tests.
func PlaceholderTestUUID() uuid.UUID {
	uuid, _ := uuid.Parse("22222222-2222-2222-2222-222222222222")
	return uuid
}
