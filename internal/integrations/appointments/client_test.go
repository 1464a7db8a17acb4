package appointments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"intake-router/internal/domain"
)

type fakeGetter struct {
	val string
	err error
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	return f.val, f.err
}

func tokenGetter() *fakeGetter {
	return &fakeGetter{val: `{"token":"sk-appt"}`}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", tokenGetter(), "/intake-router")
	require.Error(t, err)

	_, err = NewClient("http://appt.local", nil, "/intake-router")
	require.Error(t, err)

	_, err = NewClient("http://appt.local", tokenGetter(), "")
	require.Error(t, err)
}

func TestDispatch_HappyPath(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq domain.AppointmentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, tokenGetter(), "/intake-router")
	require.NoError(t, err)

	err = c.Dispatch(context.Background(), domain.AppointmentRequest{
		SessionID:    "sess-1",
		TenantID:     "tenant-1",
		PatientPhone: "15551234567",
		TriageLevel:  "MODERATE",
		Symptoms:     map[string]string{"fever": "38.5C"},
		Transcript:   []domain.Turn{{Role: domain.RolePatient, Content: "I have a fever"}},
	})
	require.NoError(t, err)
	require.Equal(t, "/appointments", gotPath)
	require.Equal(t, "Bearer sk-appt", gotAuth)
	require.Equal(t, "sess-1", gotReq.SessionID)
	require.Equal(t, "MODERATE", gotReq.TriageLevel)
	require.Len(t, gotReq.Transcript, 1)
}

func TestDispatch_UpstreamFailureIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, tokenGetter(), "/intake-router")
	require.NoError(t, err)

	err = c.Dispatch(context.Background(), domain.AppointmentRequest{SessionID: "sess-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected status 503")
}

func TestDispatch_KeyFetchFailureSurfaces(t *testing.T) {
	c, err := NewClient("http://appt.local", &fakeGetter{val: "not-json"}, "/intake-router")
	require.NoError(t, err)

	err = c.Dispatch(context.Background(), domain.AppointmentRequest{SessionID: "sess-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal token value")
}
