package ingest

import (
	"fmt"
	"unicode/utf8"
)

// Payload validation limits
const (
	MaxPayloadBytes     = 256 * 1024 // Maximum size of one MQTT message
	MaxReadingsPerEvent = 1000       // Maximum entries in the payload list
	MaxReadingIDLength  = 256        // Maximum Id length
)

var (
	// ErrPayloadTooLarge is returned when a message exceeds MaxPayloadBytes
	ErrPayloadTooLarge = fmt.Errorf("payload too large (max %d bytes)", MaxPayloadBytes)

	// ErrTooManyReadings is returned when an event has more than MaxReadingsPerEvent entries
	ErrTooManyReadings = fmt.Errorf("too many readings (max %d)", MaxReadingsPerEvent)

	// ErrReadingIDTooLong is returned when an Id exceeds MaxReadingIDLength
	ErrReadingIDTooLong = fmt.Errorf("reading id too long (max %d chars)", MaxReadingIDLength)

	// ErrReadingIDEmpty is returned for an empty Id
	ErrReadingIDEmpty = fmt.Errorf("reading id cannot be empty")
)

// validateReadingID checks an Id before it is looked up in the registry
func validateReadingID(id string) error {
	if id == "" {
		return ErrReadingIDEmpty
	}
	if len(id) > MaxReadingIDLength {
		return fmt.Errorf("%w: %d chars", ErrReadingIDTooLong, len(id))
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("reading id is not valid UTF-8")
	}
	return nil
}
