package capture

import "strings"

// Status is a capture lifecycle state. Transitions are monotonic and
// one-directional; a status is terminal once it carries the "exported"
// prefix.
type Status string

const (
	StatusStaged              Status = "staged"
	StatusTranscribed         Status = "transcribed"
	StatusFailedTranscription Status = "failed_transcription"
	StatusExported            Status = "exported"
	StatusExportedDuplicate   Status = "exported_duplicate"
	StatusExportedPlaceholder Status = "exported_placeholder"
)

// successors maps each status to its allowed-successor set.
var successors = map[Status][]Status{
	StatusStaged:              {StatusTranscribed, StatusFailedTranscription, StatusExportedDuplicate},
	StatusTranscribed:         {StatusExported, StatusExportedDuplicate},
	StatusFailedTranscription: {StatusExportedPlaceholder},
}

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusStaged, StatusTranscribed, StatusFailedTranscription,
		StatusExported, StatusExportedDuplicate, StatusExportedPlaceholder:
		return true
	}
	return false
}

// Terminal reports whether the status permits no further transition.
func (s Status) Terminal() bool {
	return strings.HasPrefix(string(s), "exported")
}

// CanTransition reports whether target is in the allowed-successor set of s.
// Always false once s is terminal.
func (s Status) CanTransition(target Status) bool {
	for _, next := range successors[s] {
		if next == target {
			return true
		}
	}
	return false
}
