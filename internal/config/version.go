package config

import "fmt"

// CurrentVersion is the config file version this build reads.
const CurrentVersion = 1

// VersionError is returned for a missing or unsupported version key.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

const (
	reasonMissing = "missing or outdated"
	reasonNewer   = "newer than this build"
)

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case reasonNewer:
		return fmt.Sprintf("config version %d is newer than this build (current: %d). upgrade llmops to continue", e.Version, e.Current)
	case "":
		return fmt.Sprintf("config version %d is unsupported (current: %d). set `version: %d`", e.Version, e.Current, e.Current)
	default:
		return fmt.Sprintf("config version %d is %s (current: %d). set `version: %d`", e.Version, e.Reason, e.Current, e.Current)
	}
}

// ValidateVersion rejects files written for another config layout.
func ValidateVersion(version int) error {
	switch {
	case version < CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: reasonMissing}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: reasonNewer}
	}
	return nil
}
