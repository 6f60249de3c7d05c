package token

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAudienceListUnmarshal(t *testing.T) {
	tests := []struct {
		value    string
		expected AudienceList
		invalid  bool
	}{
		{value: `"registry"`, expected: AudienceList{"registry"}},
		{value: `["registry", "mirror"]`, expected: AudienceList{"registry", "mirror"}},
		{value: `null`},
		{value: `""`, invalid: true},
		{value: `["registry", ""]`, invalid: true},
		{value: `1234`, invalid: true},
		{value: `["registry", 1]`, invalid: true},
	}

	for _, tc := range tests {
		t.Run(tc.value, func(t *testing.T) {
			var actual AudienceList
			err := json.Unmarshal([]byte(tc.value), &actual)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestAudienceListMarshal(t *testing.T) {
	p, err := json.Marshal(AudienceList{"registry"})
	require.NoError(t, err)
	require.JSONEq(t, `"registry"`, string(p))

	p, err = json.Marshal(AudienceList{"registry", "mirror"})
	require.NoError(t, err)
	require.JSONEq(t, `["registry","mirror"]`, string(p))
}

func TestAudienceListContains(t *testing.T) {
	aud := AudienceList{"registry", "mirror"}
	require.True(t, aud.Contains("mirror"))
	require.False(t, aud.Contains("other"))
	require.False(t, AudienceList(nil).Contains("registry"))
}
