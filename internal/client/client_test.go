package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/protocol"
)

func TestDeviceRequestsAreSigned(t *testing.T) {
	secretHash := auth.HashToken("secret")
	now := time.UnixMilli(1_700_000_000_000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts := r.Header.Get(auth.HeaderTimestamp)
		assert.Equal(t, "dev-1", r.Header.Get(auth.HeaderDeviceID))
		assert.Equal(t, "1700000000000", ts)
		assert.Equal(t, auth.Sign(secretHash, r.Method, r.URL.Path, ts), r.Header.Get(auth.HeaderSignature))
		assert.Empty(t, r.Header.Get("Authorization"))

		var body directory.NewSession
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c-1", body.ClientSessionID)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Created{ID: "01abc", WSURL: "ws://x/api/sessions/01abc/connect"})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", WithDevice("dev-1", secretHash))
	c.now = func() time.Time { return now }

	got, created, err := c.CreateSession(context.Background(), directory.NewSession{ClientSessionID: "c-1", Platform: "claude"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "01abc", got.ID)
}

func TestAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer phone", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/api/sessions/s1/answer":
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":"desktop is not connected","code":"DESKTOP_OFFLINE"}`)
		default:
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(w, "upstream down")
		}
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("phone"))

	err := c.Answer(context.Background(), "s1", "yes")
	require.Error(t, err)
	assert.True(t, HasCode(err, "DESKTOP_OFFLINE"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)

	err = c.Key(context.Background(), "s1", "enter")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.False(t, HasCode(err, "DESKTOP_OFFLINE"))
}

func TestWatchDecodesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/s1/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"desktop_status\",\"connected\":true,\"timestamp\":1}\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"type\":\"future_kind\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"title\",\"title\":\"refactor\"}\n\n")
	}))
	defer srv.Close()

	var got []protocol.Event
	err := New(srv.URL).Watch(context.Background(), "s1", func(ev protocol.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.DesktopStatusEvent{Connected: true, Timestamp: 1}, got[0])
	assert.Equal(t, protocol.TitleEvent{Title: "refactor"}, got[1])
}

func TestWatchStopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"title\",\"title\":\"a\"}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"title\",\"title\":\"b\"}\n\n")
	}))
	defer srv.Close()

	stop := errors.New("stop")
	calls := 0
	err := New(srv.URL).Watch(context.Background(), "s1", func(protocol.Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestWatchList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sessions/stream", r.URL.Path)
		fmt.Fprint(w, "data: {\"type\":\"connected\",\"clients\":2}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"created\",\"session\":{\"id\":\"s1\",\"cwd\":\"/w\",\"state\":\"ready\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"deleted\",\"session\":{\"id\":\"s1\"}}\n\n")
	}))
	defer srv.Close()

	var got []ListDelta
	err := New(srv.URL).WatchList(context.Background(), func(d ListDelta) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, ListDelta{Type: protocol.ListConnected, Clients: 2}, got[0])
	assert.Equal(t, "/w", got[1].Session.Cwd)
	assert.Equal(t, protocol.ListDeleted, got[2].Type)
	assert.Equal(t, "s1", got[2].Session.ID)
}

func TestHistoryQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("history"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Empty(t, r.URL.Query().Get("offset"))
		fmt.Fprint(w, `{"sessions":[{"id":"s1","is_active":false}]}`)
	}))
	defer srv.Close()

	sessions, err := New(srv.URL).History(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
}

func TestWatchJoinsMultiLineData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\ndata:   \"type\": \"title\",\ndata:   \"title\": \"hello\"\ndata: }\n\n")
		fmt.Fprint(w, "data: {\"type\":\"title\",\"title\":\"cut\"}\n")
	}))
	defer srv.Close()

	var got []protocol.Event
	err := New(srv.URL).Watch(context.Background(), "s1", func(ev protocol.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []protocol.Event{protocol.TitleEvent{Title: "hello"}}, got, "unterminated event is dropped")
}
