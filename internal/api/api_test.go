package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/fleet"
	"github.com/forkbombeu/emuhub/internal/ports"
	"github.com/forkbombeu/emuhub/internal/session"
	"github.com/forkbombeu/emuhub/internal/vnc"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeService struct {
	sessions   map[string]session.Session
	created    []fleet.CreateRequest
	screenshot []byte
	err        error
	serverPort int
	connected  string
}

func newFakeService() *fakeService {
	return &fakeService{sessions: map[string]session.Session{
		"s1":                               {ID: "s1", DeviceID: "abcd1234", ContainerName: "emu_abcd1234_s1", Ports: ports.Set{ADB: 6000, ADBServer: 7000}},
		"existing_emulator_android11_main": {ID: "existing_emulator_android11_main", Predefined: true},
	}}
}

func (f *fakeService) lookup(id string) (session.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeService) DiscoverExisting(ctx context.Context) ([]session.Session, error) {
	return []session.Session{f.sessions["existing_emulator_android11_main"]}, nil
}

func (f *fakeService) Create(ctx context.Context, req fleet.CreateRequest) (fleet.Created, error) {
	f.created = append(f.created, req)
	if f.err != nil {
		return fleet.Created{}, f.err
	}
	return fleet.Created{Session: f.sessions["s1"], Discovery: adb.Discovery{Outcome: adb.OutcomeDevice}}, nil
}

func (f *fakeService) List(ctx context.Context) []fleet.View {
	return []fleet.View{{Session: f.sessions["s1"], ContainerState: "running"}}
}

func (f *fakeService) Get(id string) (session.Session, error) { return f.lookup(id) }

func (f *fakeService) Delete(ctx context.Context, id string) error {
	s, err := f.lookup(id)
	if err != nil {
		return err
	}
	if s.Predefined {
		return fleet.ErrPredefined
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeService) Status(ctx context.Context, id string) (fleet.StatusView, error) {
	s, err := f.lookup(id)
	if err != nil {
		return fleet.StatusView{}, err
	}
	return fleet.StatusView{View: fleet.View{Session: s}, ADB: adb.StatusReport{Outcome: adb.OutcomeDevice, Found: true}}, nil
}

func (f *fakeService) Screenshot(ctx context.Context, id string) ([]byte, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return f.screenshot, f.err
}

func (f *fakeService) Reconnect(ctx context.Context, id string) (adb.ReconnectReport, error) {
	if _, err := f.lookup(id); err != nil {
		return adb.ReconnectReport{}, err
	}
	return adb.ReconnectReport{Outcome: adb.OutcomeDevice, Connected: true}, f.err
}

func (f *fakeService) StartProxy(ctx context.Context, id string) (vnc.Info, error) {
	return vnc.Info{}, fleet.ErrVNCUnavailable
}

func (f *fakeService) StopProxy(id string) (bool, error) {
	_, err := f.lookup(id)
	return false, err
}

func (f *fakeService) VNCStatus(ctx context.Context, id string) (vnc.Status, error) {
	return vnc.Status{Host: "emu", Port: 5900}, nil
}

func (f *fakeService) VNCEndpoint(id string) (string, int, error) {
	if _, err := f.lookup(id); err != nil {
		return "", 0, err
	}
	return "127.0.0.1", 1, nil
}

func (f *fakeService) Devices(ctx context.Context, serverPort int) ([]adb.DeviceRecord, error) {
	f.serverPort = serverPort
	return []adb.DeviceRecord{{Serial: "emulator-5554", State: adb.StateDevice}}, nil
}

func (f *fakeService) Connect(ctx context.Context, serverPort int, host string, port int) (string, error) {
	f.serverPort = serverPort
	f.connected = host
	return "connected", nil
}

func (f *fakeService) Disconnect(ctx context.Context, serverPort int, host string, port int) (string, error) {
	return "disconnected", nil
}

func (f *fakeService) KillServer(ctx context.Context, serverPort int) (string, error) {
	f.serverPort = serverPort
	return "", nil
}

func (f *fakeService) StartServer(ctx context.Context, serverPort int) (string, error) {
	return "", f.err
}

func (f *fakeService) Diagnose(ctx context.Context) map[string]fleet.NetworkCheck {
	out := make(map[string]fleet.NetworkCheck, len(f.sessions))
	for id, sess := range f.sessions {
		check := fleet.NetworkCheck{ContainerName: sess.ContainerName, Predefined: sess.Predefined}
		if !sess.Predefined {
			check.Tests = &fleet.NetworkTests{ADBPort: true, ADBConnect: "connected to " + sess.ContainerName + ":5555"}
		}
		out[id] = check
	}
	return out
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHealth(t *testing.T) {
	rec, resp := do(t, NewRouter(newFakeService(), Options{}), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}

func TestCreateEmulator(t *testing.T) {
	svc := newFakeService()
	router := NewRouter(svc, Options{})

	rec, resp := do(t, router, http.MethodPost, "/api/emulators", `{"android_version":"14","adb_port":16555}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)
	require.Len(t, svc.created, 1)
	assert.Equal(t, "14", svc.created[0].AndroidVersion)
	assert.Equal(t, 16555, svc.created[0].ADBPort)

	rec, _ = do(t, router, http.MethodPost, "/api/emulators", "")
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec, resp = do(t, router, http.MethodPost, "/api/emulators", `{"android_version":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)
}

func TestCreateFailureStatuses(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code int
	}{
		{fleet.ErrRuntimeUnavailable, http.StatusServiceUnavailable},
		{ports.ErrPortsExhausted, http.StatusServiceUnavailable},
		{adb.ErrToolMissing, http.StatusNotImplemented},
	} {
		svc := newFakeService()
		svc.err = tc.err
		rec, resp := do(t, NewRouter(svc, Options{}), http.MethodPost, "/api/emulators", `{}`)
		assert.Equal(t, tc.code, rec.Code, tc.err.Error())
		assert.Equal(t, tc.err.Error(), resp.Error)
	}
}

func TestGetAndDelete(t *testing.T) {
	svc := newFakeService()
	router := NewRouter(svc, Options{})

	rec, _ := do(t, router, http.MethodGet, "/api/emulators/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp := do(t, router, http.MethodDelete, "/api/emulators/existing_emulator_android11_main", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, fleet.ErrPredefined.Error(), resp.Error)

	rec, resp = do(t, router, http.MethodDelete, "/api/emulators/s1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "emulator deleted", resp.Message)

	rec, _ = do(t, router, http.MethodGet, "/api/emulators/s1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScreenshotResponses(t *testing.T) {
	svc := newFakeService()
	svc.screenshot = []byte("\x89PNG")
	router := NewRouter(svc, Options{})

	rec, resp := do(t, router, http.MethodGet, "/api/emulators/s1/screenshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,iVBORw==", data["screenshot"])

	rec, _ = do(t, router, http.MethodGet, "/api/emulators/s1/screenshot?raw=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG", rec.Body.String())
}

func TestScreenshotNotReady(t *testing.T) {
	svc := newFakeService()
	svc.err = &adb.NotReadyError{Outcome: adb.OutcomeOffline}

	rec, resp := do(t, NewRouter(svc, Options{}), http.MethodGet, "/api/emulators/s1/screenshot", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "Device is offline. Please wait for emulator to fully boot.", resp.Error)
}

func TestReconnectServerFailure(t *testing.T) {
	svc := newFakeService()
	svc.err = adb.ErrServerFailed

	rec, resp := do(t, NewRouter(svc, Options{}), http.MethodPost, "/api/emulators/s1/reconnect", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed to restart ADB server", resp.Error)
}

func TestVNCRoutes(t *testing.T) {
	router := NewRouter(newFakeService(), Options{})

	rec, _ := do(t, router, http.MethodPost, "/api/emulators/s1/vnc/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/api/emulators/missing/vnc/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, resp := do(t, router, http.MethodGet, "/api/emulators/s1/vnc/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, _ = do(t, router, http.MethodGet, "/api/emulators/s1/live_view", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestADBPassthrough(t *testing.T) {
	svc := newFakeService()
	router := NewRouter(svc, Options{})

	rec, _ := do(t, router, http.MethodGet, "/api/adb/devices", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultServerPort, svc.serverPort)

	rec, _ = do(t, router, http.MethodGet, "/api/adb/devices?server_port=7001", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7001, svc.serverPort)

	rec, _ = do(t, router, http.MethodGet, "/api/adb/devices?server_port=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/api/adb/connect", `{"server_port":7002}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, router, http.MethodPost, "/api/adb/connect", `{"server_port":7002,"host":"emu","port":5555}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "emu", svc.connected)

	rec, _ = do(t, router, http.MethodPost, "/api/adb/kill-server", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, DefaultServerPort, svc.serverPort)

	svc.err = adb.ErrServerFailed
	rec, _ = do(t, router, http.MethodPost, "/api/adb/start-server", `{"server_port":7003}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTokenAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	router := NewRouter(newFakeService(), Options{TokenHash: string(hash)})

	rec, _ := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/api/emulators", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/api/emulators", "", "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/api/emulators", "", "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, router, http.MethodGet, "/api/emulators?token=s3cret", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDiscoverRoute(t *testing.T) {
	rec, resp := do(t, NewRouter(newFakeService(), Options{}), http.MethodPost, "/api/containers/discover", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.EqualValues(t, 1, data["count"])
}

func TestNetworkingDiagnostics(t *testing.T) {
	rec, resp := do(t, NewRouter(newFakeService(), Options{}), http.MethodGet, "/api/debug/test-networking", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "Networking tests completed", resp.Message)

	results := resp.Data.(map[string]any)["results"].(map[string]any)
	require.Len(t, results, 2)
	created := results["s1"].(map[string]any)
	assert.Equal(t, "emu_abcd1234_s1", created["container_name"])
	tests := created["tests"].(map[string]any)
	assert.Equal(t, true, tests["adb_port_5555"])
	assert.Equal(t, false, tests["vnc_port_5900"])
	assert.Equal(t, "connected to emu_abcd1234_s1:5555", tests["adb_connect"])

	predefined := results["existing_emulator_android11_main"].(map[string]any)
	assert.Equal(t, true, predefined["is_predefined"])
	assert.NotContains(t, predefined, "tests")
}

func TestNetworkingDiagnosticsRequiresToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	rec, _ := do(t, NewRouter(newFakeService(), Options{TokenHash: string(hash)}), http.MethodGet, "/api/debug/test-networking", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
