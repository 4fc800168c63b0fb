package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomCodeRegex matches a normalized room code.
	RoomCodeRegex = regexp.MustCompile(`^[ABCDEFGHJKLMNPQRSTUVWXYZ2-9]{6}$`)

	// ParticipantIDRegex matches the identifiers the relay hands out.
	ParticipantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const MaxDisplayNameLength = 64

// ValidateRoomCode validates a room code. Lookup is case-insensitive so the
// code is upper-cased before matching.
func ValidateRoomCode(code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return fmt.Errorf("room code is required")
	}
	if !RoomCodeRegex.MatchString(code) {
		return fmt.Errorf("invalid room code format")
	}
	return nil
}

// ValidateParticipantID validates a participant identifier
func ValidateParticipantID(id string) error {
	if id == "" {
		return fmt.Errorf("participant ID is required")
	}
	if len(id) > 100 {
		return fmt.Errorf("participant ID is too long (max 100 characters)")
	}
	if !ParticipantIDRegex.MatchString(id) {
		return fmt.Errorf("invalid participant ID format")
	}
	return nil
}

// ValidateDisplayName validates an optional display name
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameLength)
	}
	return nil
}

// ValidateSignalingURL validates the relay URL stored in client settings
func ValidateSignalingURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateBitrate validates a manual bitrate target
func ValidateBitrate(kbps int) error {
	if kbps < 100 {
		return fmt.Errorf("bitrate must be at least 100 kbps")
	}
	if kbps > 10000 {
		return fmt.Errorf("bitrate is too high (max 10000 kbps)")
	}
	return nil
}
