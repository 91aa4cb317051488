package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pipemtx/pipemtx/internal/defs"
	"github.com/pipemtx/pipemtx/internal/test"
)

type testMountManager struct{}

func (testMountManager) APIMountsList() (*defs.APIMountList, error) {
	return &defs.APIMountList{
		ItemCount: 1,
		Items: []*defs.APIMount{{
			Path:   "/cam",
			Launch: "videotestsrc",
			Shared: true,
		}},
	}, nil
}

func (testMountManager) APIMountsGet(path string) (*defs.APIMount, error) {
	if path != "/cam" {
		return nil, defs.UnknownMountError{Path: path}
	}
	return &defs.APIMount{Path: "/cam", Launch: "videotestsrc", Shared: true}, nil
}

type testSessionManager struct {
	kicked chan uuid.UUID
}

func (*testSessionManager) APISessionsList() (*defs.APISessionList, error) {
	return &defs.APISessionList{ItemCount: 0, Items: []*defs.APISession{}}, nil
}

func (sm *testSessionManager) APISessionsKick(id uuid.UUID) error {
	sm.kicked <- id
	return nil
}

func newTestAPI(t *testing.T) (*API, string) {
	t.Helper()

	a := &API{
		Address:        "127.0.0.1:0",
		MountManager:   testMountManager{},
		SessionManager: &testSessionManager{kicked: make(chan uuid.UUID, 1)},
		Parent:         test.NilLogger,
	}
	require.NoError(t, a.Initialize())
	t.Cleanup(a.Close)

	return a, "http://" + a.listener.Addr().String()
}

func TestAPIMounts(t *testing.T) {
	_, addr := newTestAPI(t)

	hc := &http.Client{Timeout: 2 * time.Second}

	res, err := hc.Get(addr + "/v1/mounts/list")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var list defs.APIMountList
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	require.Equal(t, 1, list.ItemCount)
	require.Equal(t, "/cam", list.Items[0].Path)

	res2, err := hc.Get(addr + "/v1/mounts/get/cam")
	require.NoError(t, err)
	defer res2.Body.Close()
	require.Equal(t, http.StatusOK, res2.StatusCode)

	res3, err := hc.Get(addr + "/v1/mounts/get/nope")
	require.NoError(t, err)
	defer res3.Body.Close()
	require.Equal(t, http.StatusNotFound, res3.StatusCode)
}

func TestAPISessionsKick(t *testing.T) {
	a, addr := newTestAPI(t)
	sm := a.SessionManager.(*testSessionManager)

	hc := &http.Client{Timeout: 2 * time.Second}

	id := uuid.New()
	res, err := hc.Post(fmt.Sprintf("%s/v1/sessions/kick/%s", addr, id), "application/json", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, id, <-sm.kicked)

	res2, err := hc.Post(addr+"/v1/sessions/kick/notanid", "application/json", nil)
	require.NoError(t, err)
	defer res2.Body.Close()
	require.Equal(t, http.StatusBadRequest, res2.StatusCode)
}
