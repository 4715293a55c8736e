package syncclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostStage_Plain(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, "machine-1", Options{})
	require.NoError(t, err)

	xsrf := &XSRFState{}
	body, err := c.PostStage(context.Background(), "preflight", []byte(`{"serial_number":"X"}`), xsrf)
	require.NoError(t, err)

	assert.Equal(t, "/preflight/machine-1", gotPath)
	assert.Equal(t, `{"serial_number":"X"}`, gotBody)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Empty(t, xsrf.Token)
}

func TestPostStage_XSRFChallenge(t *testing.T) {
	var xsrfFetches int
	var stageAttempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xsrf/machine-1":
			xsrfFetches++
			w.Header().Set(DefaultXSRFTokenHeader, "tok-123")
			w.WriteHeader(http.StatusOK)
		case "/eventupload/machine-1":
			stageAttempts++
			if r.Header.Get(DefaultXSRFTokenHeader) != "tok-123" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Write([]byte(`{}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, "machine-1", Options{})
	require.NoError(t, err)

	xsrf := &XSRFState{}
	_, err = c.PostStage(context.Background(), "eventupload", []byte(`{}`), xsrf)
	require.NoError(t, err)

	assert.Equal(t, 1, xsrfFetches)
	assert.Equal(t, 2, stageAttempts)
	assert.Equal(t, "tok-123", xsrf.Token)

	// Later stages in the same run reuse the cached token without another
	// side request.
	_, err = c.PostStage(context.Background(), "eventupload", []byte(`{}`), xsrf)
	require.NoError(t, err)
	assert.Equal(t, 1, xsrfFetches)
	assert.Equal(t, 3, stageAttempts)
}

func TestPostStage_XSRFCustomHeaderName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/xsrf/machine-1":
			w.Header().Set(DefaultXSRFTokenHeader, "tok-abc")
			w.Header().Set(XSRFTokenHeaderNameHeader, "X-Custom-Token")
		case "/ruledownload/machine-1":
			if r.Header.Get("X-Custom-Token") != "tok-abc" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL, "machine-1", Options{})
	require.NoError(t, err)

	xsrf := &XSRFState{}
	_, err = c.PostStage(context.Background(), "ruledownload", []byte(`{}`), xsrf)
	require.NoError(t, err)
	assert.Equal(t, "X-Custom-Token", xsrf.HeaderName)
}

func TestPostStage_ForbiddenWithTokenIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "machine-1", Options{})
	require.NoError(t, err)

	// A 403 on a request that already carried a token is not retried.
	xsrf := &XSRFState{Token: "stale"}
	_, err = c.PostStage(context.Background(), "preflight", []byte(`{}`), xsrf)
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestPostStage_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "machine-1", Options{})
	require.NoError(t, err)

	_, err = c.PostStage(context.Background(), "postflight", []byte(`{}`), &XSRFState{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
}
