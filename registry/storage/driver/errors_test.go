package driver

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	e := Error{
		DriverName: "foo",
		Detail:     errors.New("unexpected error"),
	}

	assert.Equal(t, "foo: unexpected error", e.Error())

	b, err := json.Marshal(&e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"driver":"foo","detail":"unexpected error"}`, string(b))

	var target Error
	assert.True(t, errors.As(wrapForTest(e), &target))
	assert.Equal(t, "foo", target.DriverName)
}

func wrapForTest(err error) error {
	return errors.Join(errors.New("outer"), err)
}

func TestErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		errs    Errors
		exp     string
		expJSON string
	}{
		{
			name:    "no details",
			errs:    Errors{DriverName: "foo"},
			exp:     "foo: <nil>",
			expJSON: `{"driver":"foo","details":[]}`,
		},
		{
			name:    "single detail",
			errs:    Errors{DriverName: "foo", Errs: []error{errors.New("err msg")}},
			exp:     "foo: err msg",
			expJSON: `{"driver":"foo","details":["err msg"]}`,
		},
		{
			name:    "multiple details",
			errs:    Errors{DriverName: "foo", Errs: []error{errors.New("err msg1"), errors.New("err msg2")}},
			exp:     "foo: errors:\nerr msg1\nerr msg2\n",
			expJSON: `{"driver":"foo","details":["err msg1","err msg2"]}`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.exp, tc.errs.Error())
			b, err := json.Marshal(&tc.errs)
			require.NoError(t, err)
			assert.JSONEq(t, tc.expJSON, string(b))
		})
	}
}

func TestVersion(t *testing.T) {
	assert.Equal(t, uint(0), CurrentVersion.Major())
	assert.Equal(t, uint(1), CurrentVersion.Minor())
	assert.Equal(t, uint(2), Version("2.10").Major())
	assert.Equal(t, uint(10), Version("2.10").Minor())
}
