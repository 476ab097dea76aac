package messaging

import (
	"encoding/json"
	"fmt"
)

// Normalize decodes a raw bus message into a typed event. Messages on
// foreign subjects and messages missing required fields normalize to
// nil with no error: the caller drops them. A non-nil error means the
// payload was malformed for a known subject.
func Normalize(subject string, data []byte) (Event, error) {
	switch subject {
	case SubjectBuildStateChange:
		var ev ComponentStateChanged
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", subject, err)
		}
		if ev.TaskID == 0 && ev.ModuleBuildID == 0 {
			return nil, nil
		}
		return &ev, nil

	case SubjectRepoDone:
		var ev RepoRegenerated
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", subject, err)
		}
		if ev.Tag == "" {
			return nil, nil
		}
		return &ev, nil

	case SubjectTagChange:
		var ev TagChanged
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", subject, err)
		}
		if ev.Tag == "" || ev.NVR == "" {
			return nil, nil
		}
		return &ev, nil

	case SubjectModuleStateChange:
		var ev ModuleStateChanged
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", subject, err)
		}
		if ev.ModuleBuildID == 0 {
			return nil, nil
		}
		return &ev, nil
	}

	return nil, nil
}
