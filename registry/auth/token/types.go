package token

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AudienceList is the aud claim. It decodes from a single string or a list
// of strings and encodes a single audience as a plain string.
type AudienceList []string

func (s *AudienceList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			return errors.New("empty audience")
		}
		*s = AudienceList{single}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("aud must be a string or a list of strings: %w", err)
	}
	for _, aud := range list {
		if aud == "" {
			return errors.New("empty audience")
		}
	}
	*s = list
	return nil
}

func (s AudienceList) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

// Contains reports whether service is one of the audiences.
func (s AudienceList) Contains(service string) bool {
	for _, aud := range s {
		if aud == service {
			return true
		}
	}
	return false
}
