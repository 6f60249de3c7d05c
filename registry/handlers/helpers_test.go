package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dockyard/registry/registry/api/errcode"
)

func createCancelledRequest(shouldCancel bool) (*http.Request, error) {
	ctx, cancel := context.WithCancel(context.Background())
	testRequest, err := http.NewRequest(http.MethodGet, "/", strings.NewReader(""))
	if err != nil {
		return nil, err
	}
	cancelledRequest := testRequest.WithContext(ctx)
	if shouldCancel {
		cancel()
	}
	return cancelledRequest, nil
}

func TestCheckForClientDisconnection(t *testing.T) {
	r, err := createCancelledRequest(true)
	w := httptest.NewRecorder()
	if err != nil {
		t.Fatal(err)
	}
	disconnected := checkForClientDisconnection(w, r)
	if disconnected == nil {
		t.Fatal("expected client disconnected error got nil")
	}
	if !strings.Contains(disconnected.Error(), "client disconnected") {
		t.Fatalf("expected error to signify client disconnection got %s", disconnected.Error())
	}
	if w.Result().StatusCode != 499 {
		t.Fatalf("expected status code 499 got %d", w.Result().StatusCode)
	}
}

func TestClientNotDisconnected(t *testing.T) {
	r, err := createCancelledRequest(false)
	w := httptest.NewRecorder()
	if err != nil {
		t.Fatal(err)
	}
	disconnected := checkForClientDisconnection(w, r)
	if disconnected != nil {
		t.Fatal("expected no error got client disconnected")
	}
	if w.Result().StatusCode == 499 {
		t.Fatal("unexpected status code 499")
	}
}

func TestReadFullPayloadLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPut, "/", strings.NewReader("0123456789"))
	w := httptest.NewRecorder()

	_, err := readFullPayload(context.Background(), w, r, 4, "test")
	require.Error(t, err)
	coded, ok := err.(errcode.Error)
	require.True(t, ok, "unexpected error %#v", err)
	require.Equal(t, http.StatusRequestEntityTooLarge, coded.StatusCode())

	r = httptest.NewRequest(http.MethodPut, "/", strings.NewReader("0123"))
	p, err := readFullPayload(context.Background(), w, r, 4, "test")
	require.NoError(t, err)
	require.Equal(t, "0123", string(p))
}

func TestParseContentRange(t *testing.T) {
	for _, tc := range []struct {
		header     string
		start, end int64
		valid      bool
	}{
		{header: "0-4", start: 0, end: 4, valid: true},
		{header: "bytes 10-19", start: 10, end: 19, valid: true},
		{header: "7-7", start: 7, end: 7, valid: true},
		{header: "5-4"},
		{header: "4"},
		{header: "a-b"},
		{header: "0-"},
		{header: ""},
	} {
		start, end, err := parseContentRange(tc.header)
		if !tc.valid {
			require.Error(t, err, tc.header)
			continue
		}
		require.NoError(t, err, tc.header)
		require.Equal(t, tc.start, start, tc.header)
		require.Equal(t, tc.end, end, tc.header)
	}
}

func TestCreateLinkEntry(t *testing.T) {
	link, err := createLinkEntry("http://localhost:5000/v2/_catalog?n=2#frag", 2, "lib/b")
	require.NoError(t, err)
	require.Equal(t, `<http://localhost:5000/v2/_catalog?last=lib%2Fb&n=2>; rel="next"`, link)
}

func TestPaginationParams(t *testing.T) {
	n, last, err := paginationParams(url.Values{}, 100)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	require.Empty(t, last)

	n, last, err = paginationParams(url.Values{"n": []string{"0"}, "last": []string{"v1"}}, -1)
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, "v1", last)

	for _, bad := range []string{"-1", "ten"} {
		_, _, err = paginationParams(url.Values{"n": []string{bad}}, 100)
		require.Error(t, err, bad)
		coded, ok := err.(errcode.Error)
		require.True(t, ok)
		require.Equal(t, errcode.ErrorCodeUnsupported, coded.Code)
		require.Equal(t, http.StatusBadRequest, coded.StatusCode())
	}
}
