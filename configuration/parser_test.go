package configuration

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
)

type localConfiguration struct {
	Version Version        `yaml:"version"`
	Log     *localLog      `yaml:"log"`
	Grants  []localGrant   `yaml:"grants,omitempty"`
	Extra   map[string]any `yaml:"extra,omitempty"`
}

type localLog struct {
	Formatter string `yaml:"formatter,omitempty"`
}

type localGrant struct {
	Name string `yaml:"name"`
}

func newLocalParser() *Parser {
	return NewParser("registry", []VersionedParseInfo{
		{
			Version: "0.1",
			ParseAs: reflect.TypeOf(localConfiguration{}),
			ConversionFunc: func(c interface{}) (interface{}, error) {
				return c, nil
			},
		},
	})
}

const localTestConfig = `version: "0.1"
log:
  formatter: "text"
grants:
  - name: "val1"
  - name: "val2"
  - name: "car"`

func TestParserOverwriteInitializedPointer(t *testing.T) {
	t.Setenv("REGISTRY_LOG_FORMATTER", "json")

	var config localConfiguration
	require.NoError(t, newLocalParser().Parse([]byte(localTestConfig), &config))
	require.Equal(t, &localLog{Formatter: "json"}, config.Log)
}

func TestParserOverwriteUninitializedPointer(t *testing.T) {
	t.Setenv("REGISTRY_LOG_FORMATTER", "json")

	var config localConfiguration
	require.NoError(t, newLocalParser().Parse([]byte(`version: "0.1"`), &config))
	require.Equal(t, &localLog{Formatter: "json"}, config.Log)
}

func TestParserOverwriteSliceElements(t *testing.T) {
	// override only the first two grants and leave the last unchanged
	t.Setenv("REGISTRY_GRANTS_0_NAME", "foo")
	t.Setenv("REGISTRY_GRANTS_1_NAME", "bar")
	t.Setenv("REGISTRY_GRANTS_7_NAME", "ignored")

	var config localConfiguration
	require.NoError(t, newLocalParser().Parse([]byte(localTestConfig), &config))
	require.Equal(t, []localGrant{{Name: "foo"}, {Name: "bar"}, {Name: "car"}}, config.Grants)
}

func TestParserImplicitMap(t *testing.T) {
	t.Setenv("REGISTRY_EXTRA_NESTED_KEY", "value")

	var config localConfiguration
	require.NoError(t, newLocalParser().Parse([]byte(localTestConfig), &config))
	require.Equal(t, map[string]any{"nested": map[string]interface{}{"key": "value"}}, config.Extra)
}

func TestParserUnsupportedVersion(t *testing.T) {
	var config localConfiguration
	err := newLocalParser().Parse([]byte(`version: "0.2"`), &config)
	require.ErrorContains(t, err, "unsupported version")
}

func TestVersionComponents(t *testing.T) {
	v := MajorMinorVersion(1, 12)
	require.Equal(t, Version("1.12"), v)
	require.EqualValues(t, 1, v.Major())
	require.EqualValues(t, 12, v.Minor())
}
