/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package testutil

import (
	"encoding/json"
	"io"
	"net/http/httptest"

	"github.com/stretchr/testify/require"
)

const contentTypeAppJSON = "application/json"

type errorRespData struct {
	Domain string `json:"domain"`
	Code   string `json:"code"`
}

type wrappedErrorRespData struct {
	Error errorRespData `json:"error"`
}

var (
	requireWrappedErrorInResponse   = makeRequireWrappedErrorInRecorder(true)
	requireNoWrappedErrorInResponse = makeRequireWrappedErrorInRecorder(false)
	requireErrorInResponse          = requireWrappedErrorInResponse
)

// DisableWrappingErrorInResponse disables expecting wrapped error ({"error": {"domain": "{domain}", ...} -> {"domain": "{domain}", ...})
// in response body.
func DisableWrappingErrorInResponse() {
	requireErrorInResponse = requireNoWrappedErrorInResponse
}

// EnableWrappingErrorInResponse enabled expecting wrapped error ({"domain": "{domain}", ...} -> {"error": {"domain": "{domain}", ...})
// in response body.
func EnableWrappingErrorInResponse() {
	requireErrorInResponse = requireWrappedErrorInResponse
}

// RequireErrorInRecorder asserts that passing httptest.ResponseRecorder contains error.
func RequireErrorInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireErrorInResponse(t, resp, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireWrappedErrorInRecorder asserts that passing httptest.ResponseRecorder contains wrapped error.
func RequireWrappedErrorInRecorder(
	t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string,
) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireWrappedErrorInResponse(t, resp, wantHTTPCode, wantErrDomain, wantErrCode)
}

// RequireNoWrappedErrorInRecorder asserts that passing httptest.ResponseRecorder contains no wrapped error.
func RequireNoWrappedErrorInRecorder(
	t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string,
) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	requireNoWrappedErrorInResponse(t, resp, wantHTTPCode, wantErrDomain, wantErrCode)
}

func makeRequireWrappedErrorInRecorder(wrap bool) func(
	t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string,
) {
	return func(t require.TestingT, resp *httptest.ResponseRecorder, wantHTTPCode int, wantErrDomain, wantErrCode string) {
		if h, ok := t.(tHelper); ok {
			h.Helper()
		}
		require.Equal(t, wantHTTPCode, resp.Code)
		require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
		var errResp errorRespData
		if wrap {
			var wrappedErrResp wrappedErrorRespData
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrappedErrResp))
			errResp = wrappedErrResp.Error
		} else {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
		}
		require.Equal(t, wantErrDomain, errResp.Domain)
		require.Equal(t, wantErrCode, errResp.Code)
	}
}

// RequireEmptyBodyInRecorder asserts that passing httptest.ResponseRecorder contains empty body.
func RequireEmptyBodyInRecorder(t require.TestingT, resp *httptest.ResponseRecorder) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, 0, len(bodyBytes))
}

// RequireJSONInRecorder asserts that passing httptest.ResponseRecorder contains the data in json format.
func RequireJSONInRecorder(t require.TestingT, resp *httptest.ResponseRecorder, want, dest interface{}) {
	if h, ok := t.(tHelper); ok {
		h.Helper()
	}
	require.Equal(t, contentTypeAppJSON, resp.Header().Get("Content-Type"))
	bodyBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(bodyBytes, dest))
	require.Equal(t, want, dest)
}
