package fleet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkbombeu/emuhub/internal/adb"
	"github.com/forkbombeu/emuhub/internal/container"
	"github.com/forkbombeu/emuhub/internal/ports"
	"github.com/forkbombeu/emuhub/internal/session"
)

type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]container.Container
	created    []container.Spec
	stopped    []string
	removed    []string
	publish    bool
	createErr  error
	seq        int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]container.Container{}, publish: true}
}

func (r *fakeRuntime) Create(ctx context.Context, spec container.Spec) (container.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return container.Container{}, r.createErr
	}
	r.seq++
	c := container.Container{
		ID:      fmt.Sprintf("cid-%d", r.seq),
		Name:    spec.Name,
		Image:   spec.Image,
		State:   "running",
		Running: true,
		Labels:  spec.Labels,
		Ports:   map[string]int{},
	}
	if r.publish {
		for k, v := range spec.Ports {
			c.Ports[k] = v
		}
	}
	r.created = append(r.created, spec)
	r.containers[c.ID] = c
	return c, nil
}

func (r *fakeRuntime) Inspect(ctx context.Context, id string) (container.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return container.Container{}, container.ErrNotFound
	}
	return c, nil
}

func (r *fakeRuntime) List(ctx context.Context, opts container.ListOptions) ([]container.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []container.Container
	for _, c := range r.containers {
		if opts.Managed && !c.Managed() {
			continue
		}
		if !opts.All && !c.Running {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
	return nil
}

func (r *fakeRuntime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	delete(r.containers, id)
	return nil
}

func (r *fakeRuntime) Close() error { return nil }

type fakePipeline struct {
	mu         sync.Mutex
	targets    []adb.Target
	discovery  adb.Discovery
	err        error
	screenshot []byte
}

func (p *fakePipeline) record(t adb.Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.targets = append(p.targets, t)
}

func (p *fakePipeline) Provision(ctx context.Context, t adb.Target) (adb.Discovery, error) {
	p.record(t)
	return p.discovery, p.err
}

func (p *fakePipeline) Attach(ctx context.Context, t adb.Target) (adb.Discovery, error) {
	p.record(t)
	return p.discovery, p.err
}

func (p *fakePipeline) Screenshot(ctx context.Context, t adb.Target) ([]byte, error) {
	p.record(t)
	return p.screenshot, p.err
}

func (p *fakePipeline) Status(ctx context.Context, t adb.Target) (adb.StatusReport, error) {
	p.record(t)
	return adb.StatusReport{Target: t, Outcome: p.discovery.Outcome, Found: true}, p.err
}

func (p *fakePipeline) Reconnect(ctx context.Context, t adb.Target) (adb.ReconnectReport, error) {
	p.record(t)
	return adb.ReconnectReport{Target: t, Outcome: p.discovery.Outcome}, p.err
}

type fakeClient struct {
	connected    []adb.Address
	connectErr   error
	disconnected []adb.Address
}

func (c *fakeClient) Devices(ctx context.Context, serverPort int) ([]adb.DeviceRecord, error) {
	return []adb.DeviceRecord{{Serial: "localhost:6000", State: adb.StateDevice}}, nil
}

func (c *fakeClient) Connect(ctx context.Context, serverPort int, addr adb.Address) (string, error) {
	c.connected = append(c.connected, addr)
	if c.connectErr != nil {
		return "", c.connectErr
	}
	return "connected to " + addr.Serial(), nil
}

func (c *fakeClient) Disconnect(ctx context.Context, serverPort int, addr adb.Address) (string, error) {
	c.disconnected = append(c.disconnected, addr)
	return "disconnected " + addr.Serial(), nil
}

func (c *fakeClient) KillServer(ctx context.Context, serverPort int) (string, error) {
	return "", nil
}

func (c *fakeClient) StartServer(ctx context.Context, serverPort int) (adb.Result, error) {
	return adb.Result{Status: adb.StatusFailed, Stderr: "cannot bind"}, nil
}

type harness struct {
	svc      *Service
	runtime  *fakeRuntime
	pipeline *fakePipeline
	client   *fakeClient
	alloc    *ports.Allocator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		runtime:  newFakeRuntime(),
		pipeline: &fakePipeline{discovery: adb.Discovery{Outcome: adb.OutcomeDevice, Serial: "emulator-5554", Attempts: 1}},
		client:   &fakeClient{},
		alloc:    ports.New(ports.WithProber(func(int) bool { return true })),
	}
	h.svc = New(Config{PortWait: 50 * time.Millisecond, PortPoll: time.Millisecond, Memory: "4g"},
		h.runtime, session.NewMemory(), h.alloc, h.pipeline, h.client, nil, nil)
	ids := []string{"11111111-2222-3333-4444-555555555555", "abcdef01-0000-0000-0000-000000000000"}
	n := 0
	h.svc.newID = func() string {
		id := ids[n%len(ids)]
		n++
		return id
	}
	return h
}

func TestCreateProvisionsEmulator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.svc.Create(ctx, CreateRequest{AndroidVersion: "14"})
	require.NoError(t, err)

	sess := created.Session
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", sess.ID)
	assert.Equal(t, "abcdef01", sess.DeviceID)
	assert.Equal(t, "14", sess.AndroidVersion)
	assert.Equal(t, "emu_abcdef01_11111111", sess.ContainerName)
	assert.Equal(t, adb.OutcomeDevice, sess.Status)
	assert.Equal(t, 7000, sess.Ports.ADBServer)

	require.Len(t, h.pipeline.targets, 1)
	assert.Equal(t, adb.Target{ServerPort: 7000, DevicePort: 6000, ContainerName: "emu_abcdef01_11111111"}, h.pipeline.targets[0])
	assert.Equal(t, "adb connect localhost:6000", created.Commands.Connect)

	stored, err := h.svc.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, adb.OutcomeDevice, stored.Status)

	owner, ok := h.alloc.Owner(7000)
	require.True(t, ok)
	assert.Equal(t, sess.ID, owner)
}

func TestCreateHonoursRequestedPorts(t *testing.T) {
	h := newHarness(t)

	created, err := h.svc.Create(context.Background(), CreateRequest{ADBPort: 16555, ADBServerPort: 17037})
	require.NoError(t, err)
	assert.Equal(t, 16555, created.Session.Ports.ADB)
	assert.Equal(t, 17037, created.Session.Ports.ADBServer)
	assert.Equal(t, "11", created.Session.AndroidVersion)
}

func TestCreateRecordsNotReadyOutcome(t *testing.T) {
	h := newHarness(t)
	h.pipeline.discovery = adb.Discovery{Outcome: adb.OutcomeServerFailed}

	created, err := h.svc.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)
	assert.Equal(t, adb.OutcomeServerFailed, created.Discovery.Outcome)

	stored, err := h.svc.Get(created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, adb.OutcomeServerFailed, stored.Status)
}

func TestCreateRemovesContainerWhenPortsNeverAppear(t *testing.T) {
	h := newHarness(t)
	h.runtime.publish = false

	_, err := h.svc.Create(context.Background(), CreateRequest{})
	require.ErrorIs(t, err, container.ErrPortsTimeout)

	assert.Equal(t, []string{"cid-1"}, h.runtime.removed)
	assert.Equal(t, 0, h.alloc.InUse())
	assert.Empty(t, h.svc.Store.List())
	assert.Empty(t, h.pipeline.targets)
}

func TestCreateWithoutRuntime(t *testing.T) {
	h := newHarness(t)
	h.svc.Runtime = nil

	_, err := h.svc.Create(context.Background(), CreateRequest{})
	require.ErrorIs(t, err, ErrRuntimeUnavailable)
}

func TestCreateReleasesPortsOnRuntimeError(t *testing.T) {
	h := newHarness(t)
	h.runtime.createErr = container.ErrImageNotFound

	_, err := h.svc.Create(context.Background(), CreateRequest{})
	require.ErrorIs(t, err, container.ErrImageNotFound)
	assert.Equal(t, 0, h.alloc.InUse())
}

func TestCleanupOrphansKeepsOwnedContainers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	h.runtime.containers["orphan"] = container.Container{ID: "orphan", Labels: map[string]string{container.LabelManaged: "true"}}
	h.runtime.containers["foreign"] = container.Container{ID: "foreign", Running: true}

	n, err := h.svc.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, h.runtime.removed, "orphan")
	assert.NotContains(t, h.runtime.removed, created.Session.ContainerID)
	assert.NotContains(t, h.runtime.removed, "foreign")
}

func TestDeleteStopsAndReleases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, created.Session.ID))

	assert.Contains(t, h.runtime.stopped, created.Session.ContainerID)
	assert.Contains(t, h.runtime.removed, created.Session.ContainerID)
	assert.Equal(t, []adb.Address{adb.ContainerAddress(created.Session.ContainerName)}, h.client.disconnected)
	assert.Equal(t, 0, h.alloc.InUse())
	require.ErrorIs(t, h.svc.Delete(ctx, created.Session.ID), session.ErrSessionNotFound)
}

func TestDiscoverExistingRegistersComposeEmulators(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.containers["a"] = container.Container{ID: "a", Name: "qemu-emulator-1", Running: true}
	h.runtime.containers["b"] = container.Container{ID: "b", Name: "qemu-emulator14-1", Running: true, Cmd: []string{"sleep", "infinity"}}
	h.runtime.containers["c"] = container.Container{ID: "c", Name: "postgres", Running: true}

	registered, err := h.svc.DiscoverExisting(ctx)
	require.NoError(t, err)
	require.Len(t, registered, 1)

	sess := registered[0]
	assert.Equal(t, "existing_emulator_android11_main", sess.ID)
	assert.True(t, sess.Predefined)
	assert.Equal(t, adb.OutcomeDevice, sess.Status)
	require.Len(t, h.pipeline.targets, 1)
	assert.Equal(t, adb.Target{ServerPort: 5037, DevicePort: 5555}, h.pipeline.targets[0])

	owner, ok := h.alloc.Owner(5555)
	require.True(t, ok)
	assert.Equal(t, sess.ID, owner)

	again, err := h.svc.DiscoverExisting(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.ErrorIs(t, h.svc.Delete(ctx, sess.ID), ErrPredefined)
}

func TestScreenshotRecordsOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	h.pipeline.err = &adb.NotReadyError{Outcome: adb.OutcomeOffline}
	_, err = h.svc.Screenshot(ctx, created.Session.ID)
	require.Error(t, err)
	stored, _ := h.svc.Get(created.Session.ID)
	assert.Equal(t, adb.OutcomeOffline, stored.Status)

	h.pipeline.err = nil
	h.pipeline.screenshot = []byte("png")
	png, err := h.svc.Screenshot(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), png)
	stored, _ = h.svc.Get(created.Session.ID)
	assert.Equal(t, adb.OutcomeDevice, stored.Status)

	_, err = h.svc.Screenshot(ctx, "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestStatusAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	st, err := h.svc.Status(ctx, created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", st.ContainerState)
	assert.Equal(t, adb.OutcomeDevice, st.ADB.Outcome)

	h.runtime.containers = map[string]container.Container{}
	views := h.svc.List(ctx)
	require.Len(t, views, 1)
	assert.Equal(t, "removed", views[0].ContainerState)
}

func TestReconnectRecordsServerFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)

	h.pipeline.err = adb.ErrServerFailed
	_, err = h.svc.Reconnect(ctx, created.Session.ID)
	require.True(t, errors.Is(err, adb.ErrServerFailed))
	stored, _ := h.svc.Get(created.Session.ID)
	assert.Equal(t, adb.OutcomeServerFailed, stored.Status)
}

func TestStartServerReportsFailure(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.StartServer(context.Background(), 7001)
	require.ErrorIs(t, err, adb.ErrServerFailed)
}

func TestProxyWithoutManager(t *testing.T) {
	h := newHarness(t)
	created, err := h.svc.Create(context.Background(), CreateRequest{})
	require.NoError(t, err)

	_, err = h.svc.StartProxy(context.Background(), created.Session.ID)
	require.ErrorIs(t, err, ErrVNCUnavailable)

	host, port, err := h.svc.VNCEndpoint(created.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Session.ContainerName, host)
	assert.Equal(t, 5900, port)
}

func TestDiagnoseChecksCreatedEmulators(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	h.runtime.containers["a"] = container.Container{ID: "a", Name: "qemu-emulator-1", Running: true}
	_, err = h.svc.DiscoverExisting(ctx)
	require.NoError(t, err)

	var dialed []string
	h.svc.reach = func(ctx context.Context, host string, port int, timeout time.Duration) bool {
		dialed = append(dialed, fmt.Sprintf("%s:%d", host, port))
		return port == adb.ContainerADBPort
	}

	results := h.svc.Diagnose(ctx)
	require.Len(t, results, 2)

	name := created.Session.ContainerName
	check := results[created.Session.ID]
	assert.Equal(t, name, check.ContainerName)
	assert.False(t, check.Predefined)
	require.NotNil(t, check.Tests)
	assert.True(t, check.Tests.ADBPort)
	assert.False(t, check.Tests.VNCPort)
	assert.Equal(t, "connected to "+name+":5555", check.Tests.ADBConnect)
	assert.Empty(t, check.Tests.ADBConnectError)
	assert.Equal(t, []string{name + ":5555", name + ":5900"}, dialed)
	assert.Equal(t, []adb.Address{adb.ContainerAddress(name)}, h.client.connected)

	predefined := results["existing_emulator_android11_main"]
	assert.True(t, predefined.Predefined)
	assert.Nil(t, predefined.Tests)
}

func TestDiagnoseReportsConnectFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created, err := h.svc.Create(ctx, CreateRequest{})
	require.NoError(t, err)
	h.svc.reach = func(context.Context, string, int, time.Duration) bool { return false }
	h.client.connectErr = errors.New("adb connect: failed: unable to connect")

	check := h.svc.Diagnose(ctx)[created.Session.ID]
	require.NotNil(t, check.Tests)
	assert.False(t, check.Tests.ADBPort)
	assert.Equal(t, "adb connect: failed: unable to connect", check.Tests.ADBConnectError)
}

func TestStatusLogsStoreWriteFailure(t *testing.T) {
	ctx := context.Background()
	store, err := session.Open(ctx, filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	var logs bytes.Buffer
	pipeline := &fakePipeline{discovery: adb.Discovery{Outcome: adb.OutcomeOffline}}
	svc := New(Config{}, nil, store, ports.New(ports.WithProber(func(int) bool { return true })),
		pipeline, &fakeClient{}, nil, slog.New(slog.NewJSONHandler(&logs, nil)))

	sess, err := store.Put(ctx, session.Session{ID: "s1", ContainerName: "emu_s1", Ports: ports.Set{ADB: 6000, ADBServer: 7000}})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	st, err := svc.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, adb.OutcomeOffline, st.ADB.Outcome)
	assert.Empty(t, st.Status, "a failed write must not be reported as stored")
	assert.Contains(t, logs.String(), "record adb status failed")
	assert.Contains(t, logs.String(), `"session_id":"s1"`)

	_, err = svc.Reconnect(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(logs.String(), "record adb status failed"))
}
