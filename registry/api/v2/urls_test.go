package v2

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

type urlBuilderTestCase struct {
	description  string
	expectedPath string
	build        func(*URLBuilder) (string, error)
}

func makeURLBuilderTestCases() []urlBuilderTestCase {
	dgst := digest.FromString("hello")
	return []urlBuilderTestCase{
		{
			description:  "test base url",
			expectedPath: "/v2/",
			build:        (*URLBuilder).BuildBaseURL,
		},
		{
			description:  "test auth url",
			expectedPath: "/v2/auth?scope=repository%3Afoo%2Fbar%3Apull&service=registry",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildAuthURL(url.Values{"service": {"registry"}, "scope": {"repository:foo/bar:pull"}})
			},
		},
		{
			description:  "test catalog url",
			expectedPath: "/v2/_catalog?last=a&n=10",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildCatalogURL(url.Values{"n": {"10"}, "last": {"a"}})
			},
		},
		{
			description:  "test tags url",
			expectedPath: "/v2/foo/bar/tags/list",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildTagsURL("foo/bar")
			},
		},
		{
			description:  "test manifest url tagged ref",
			expectedPath: "/v2/foo/bar/manifests/tag",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildManifestURL("foo/bar", "tag")
			},
		},
		{
			description:  "test manifest url digest ref",
			expectedPath: "/v2/foo/bar/manifests/" + dgst.String(),
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildManifestURL("foo/bar", dgst.String())
			},
		},
		{
			description:  "build blob url",
			expectedPath: "/v2/foo/bar/blobs/" + dgst.String(),
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildBlobURL("foo/bar", dgst)
			},
		},
		{
			description:  "build blob upload url",
			expectedPath: "/v2/foo/bar/blobs/uploads/",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildBlobUploadURL("foo/bar")
			},
		},
		{
			description:  "build blob upload url with digest and size",
			expectedPath: "/v2/foo/bar/blobs/uploads/?digest=" + url.QueryEscape(dgst.String()) + "&size=10000",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildBlobUploadURL("foo/bar", url.Values{
					"size":   []string{"10000"},
					"digest": []string{dgst.String()},
				})
			},
		},
		{
			description:  "build blob upload chunk url",
			expectedPath: "/v2/foo/bar/blobs/uploads/uuid-part",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildBlobUploadChunkURL("foo/bar", "uuid-part")
			},
		},
		{
			description:  "build referrers url with filter",
			expectedPath: "/v2/foo/bar/referrers/" + dgst.String() + "?artifactType=application%2Fexample",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildReferrersURL("foo/bar", dgst, url.Values{"artifactType": {"application/example"}})
			},
		},
		{
			description:  "build tag history url",
			expectedPath: "/v2/foo/bar/_tags/v1/history",
			build: func(ub *URLBuilder) (string, error) {
				return ub.BuildTagExtensionURL(RouteNameTagHistory, "foo/bar", "v1")
			},
		},
	}
}

// TestURLBuilder tests the various url building functions, ensuring they are
// returning the expected values.
func TestURLBuilder(t *testing.T) {
	roots := []string{
		"http://example.com",
		"https://example.com",
		"http://localhost:5000",
		"https://localhost:5443",
	}

	for _, relative := range []bool{false, true} {
		for _, root := range roots {
			urlBuilder, err := NewURLBuilderFromString(root, relative)
			require.NoError(t, err)

			for _, testCase := range makeURLBuilderTestCases() {
				u, err := testCase.build(urlBuilder)
				require.NoError(t, err, testCase.description)

				expectedURL := testCase.expectedPath
				if !relative {
					expectedURL = root + expectedURL
				}
				require.Equal(t, expectedURL, u, testCase.description)
			}
		}
	}
}

func TestURLBuilderWithPrefix(t *testing.T) {
	urlBuilder, err := NewURLBuilderFromString("https://example.com/prefix/", false)
	require.NoError(t, err)

	for _, testCase := range makeURLBuilderTestCases() {
		u, err := testCase.build(urlBuilder)
		require.NoError(t, err, testCase.description)
		require.Equal(t, "https://example.com/prefix"+testCase.expectedPath, u, testCase.description)
	}
}

func TestBuilderFromRequest(t *testing.T) {
	for _, tc := range []struct {
		name    string
		host    string
		headers http.Header
		base    string
	}{
		{name: "no forwarding", host: "example.com", base: "http://example.com"},
		{name: "forwarded proto", host: "example.com", headers: http.Header{"X-Forwarded-Proto": {"https"}}, base: "https://example.com"},
		{
			name:    "forwarded host list",
			host:    "internal:5000",
			headers: http.Header{"X-Forwarded-Host": {"first.example.com, second.example.com"}, "X-Forwarded-Proto": {"https, http"}},
			base:    "https://first.example.com",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := &http.Request{Host: tc.host, Header: tc.headers, URL: &url.URL{Path: "/v2/"}}
			if r.Header == nil {
				r.Header = http.Header{}
			}

			u, err := NewURLBuilderFromRequest(r, false).BuildTagsURL("foo/bar")
			require.NoError(t, err)
			require.Equal(t, tc.base+"/v2/foo/bar/tags/list", u)
		})
	}
}

func TestBuildTagExtensionURLRejectsOtherRoutes(t *testing.T) {
	ub, err := NewURLBuilderFromString("http://example.com", true)
	require.NoError(t, err)
	_, err = ub.BuildTagExtensionURL(RouteNameManifest, "foo", "v1")
	require.Error(t, err)
}

func TestAppendValues(t *testing.T) {
	u := AppendValues("http://example.com/v2/foo/blobs/uploads/abc?_state=x", url.Values{"digest": {"sha256:00"}})
	require.Equal(t, "http://example.com/v2/foo/blobs/uploads/abc?_state=x&digest=sha256%3A00", u)
}
