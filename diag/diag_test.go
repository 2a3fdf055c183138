package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"greybridge/dispatcher"
	"greybridge/handles"
	"greybridge/idle"
	"greybridge/message"
	"greybridge/rpcerr"
	"greybridge/value"
)

type peer bool

func (p peer) Connected() bool { return bool(p) }

type widget struct {
	id int
}

func newService(t *testing.T) *Service {
	t.Helper()
	s := New("mail", zerolog.Nop())

	s.Gate = idle.NewGate()
	require.NoError(t, s.Gate.Register("animations", idle.TrackerFunc(func() bool { return true })))
	require.NoError(t, s.Gate.Register("network", idle.TrackerFunc(func() bool { return false })))

	s.Objects = handles.NewTable()
	_, err := s.Objects.Export(&widget{id: 1})
	require.NoError(t, err)

	s.Classes = dispatcher.NewTable()
	require.NoError(t, s.Classes.RegisterClass("Widget", dispatcher.ClassSpec{}))
	require.NoError(t, dispatcher.Method(s.Classes, "Widget", "Frame", func(ctx context.Context, w *widget, args dispatcher.Args) (value.Value, error) {
		return value.Null(), nil
	}))

	s.Peer = peer(true)
	s.RegisterRoutes()
	return s
}

func get(t *testing.T, s *Service, path string) (int, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr.Code, body
}

func TestHealth(t *testing.T) {
	code, body := get(t, newService(t), "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "mail", body["app"])
	require.Equal(t, true, body["connected"])
}

func TestIdleReportsBusyTrackers(t *testing.T) {
	code, body := get(t, newService(t), "/idle")
	require.Equal(t, http.StatusOK, code)
	snap := body["snapshot"].(map[string]any)
	require.Equal(t, false, snap["idle"])
	require.Equal(t, []any{"animations"}, snap["busy"])
	require.Equal(t, []any{"animations", "network"}, body["trackers"])
}

func TestHandlesAndClasses(t *testing.T) {
	s := newService(t)
	code, body := get(t, s, "/handles")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["live"])
	require.EqualValues(t, 1, body["issued"])

	code, body = get(t, s, "/classes")
	require.Equal(t, http.StatusOK, code)
	classes := body["classes"].(map[string]any)
	require.Equal(t, []any{"Frame"}, classes["Widget"])
}

func TestMissingSources(t *testing.T) {
	s := New("mail", zerolog.Nop())
	s.RegisterRoutes()
	code, _ := get(t, s, "/idle")
	require.Equal(t, http.StatusNotFound, code)
	code, body := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["connected"])
}

func TestInvocationActivity(t *testing.T) {
	s := newService(t)
	code, _ := get(t, s, "/invocations")
	require.Equal(t, http.StatusNotFound, code)

	s.Activity = NewActivity()
	table := dispatcher.NewTable()
	require.NoError(t, table.RegisterClass("Widget", dispatcher.ClassSpec{Singleton: &widget{id: 1}}))
	require.NoError(t, dispatcher.Method(table, "Widget", "ID", func(ctx context.Context, w *widget, args dispatcher.Args) (value.Value, error) {
		return value.Int(int64(w.id)), nil
	}))
	d := dispatcher.New(table, handles.NewTable(), dispatcher.WithObserver(s.Activity.Observe))

	require.NoError(t, d.Dispatch(context.Background(), &message.Invocation{Class: "Widget", Method: "ID", Returns: value.KindInt}).Err)
	out := d.Dispatch(context.Background(), &message.Invocation{Class: "Widget", Method: "Resize", Returns: value.KindAny})
	require.ErrorIs(t, out.Err, rpcerr.ErrTargetNotFound)

	code, body := get(t, s, "/invocations")
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, body["inflight"])
	require.EqualValues(t, 1, body["completed"])
	require.EqualValues(t, 1, body["failed"])
	recent := body["recent"].([]any)
	require.Len(t, recent, 1)
	require.Equal(t, "Widget.Resize", recent[0].(map[string]any)["selector"])
}

func TestActivityKeepsLastFailures(t *testing.T) {
	a := NewActivity()
	for i := 0; i < recentFailures+4; i++ {
		inv := &message.Invocation{Class: "Widget", Method: "Frame", Target: uint64(i + 1)}
		a.Observe(inv, dispatcher.StateReceived, nil)
		a.Observe(inv, dispatcher.StateFailed, rpcerr.New("Widget.Frame", rpcerr.ErrUnknownHandle, "gone"))
	}
	snap := a.Snapshot()
	require.Len(t, snap.Recent, recentFailures)
	require.Equal(t, uint64(5), snap.Recent[0].Target)
	require.Equal(t, uint64(recentFailures+4), snap.Recent[recentFailures-1].Target)
	require.Equal(t, uint64(recentFailures+4), snap.Failed)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newService(t)
	get(t, s, "/healthz")

	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "greybridge_http_requests_total")
}
