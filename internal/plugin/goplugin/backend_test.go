// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package goplugin

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	hashiplug "github.com/hashicorp/go-plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	plugins "github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
	pluginpkg "github.com/holomush/plughost/pkg/plugin"
	"github.com/holomush/plughost/pkg/pluginsdk"
)

// mockClientProtocol implements hashiplug.ClientProtocol for testing.
type mockClientProtocol struct {
	remote      any
	dispenseErr error
}

func (m *mockClientProtocol) Close() error { return nil }
func (m *mockClientProtocol) Dispense(_ string) (interface{}, error) {
	if m.dispenseErr != nil {
		return nil, m.dispenseErr
	}
	return m.remote, nil
}
func (m *mockClientProtocol) Ping() error { return nil }

// mockPluginClient implements PluginClient for testing.
type mockPluginClient struct {
	protocol  *mockClientProtocol
	killed    bool
	clientErr error
}

func (m *mockPluginClient) Client() (hashiplug.ClientProtocol, error) {
	if m.clientErr != nil {
		return nil, m.clientErr
	}
	return m.protocol, nil
}

func (m *mockPluginClient) Kill() { m.killed = true }

// mockClientFactory hands out one prepared client.
type mockClientFactory struct {
	client   *mockPluginClient
	lastPath string
}

func (f *mockClientFactory) NewClient(path string) PluginClient {
	f.lastPath = path
	return f.client
}

// shout is a plugin implementation served over an in-memory gRPC connection.
type shout struct {
	pluginpkg.BaseHooks
	activated bool
}

func (s *shout) OnActivate(context.Context) error {
	s.activated = true
	return nil
}

func (s *shout) HandleMessage(_ context.Context, msg *pluginpkg.MessageContext) (*pluginpkg.ProcessResult, error) {
	if msg.Content == "fail" {
		return nil, errors.New("cannot shout that")
	}
	return pluginpkg.Reply(strings.ToUpper(msg.Content)), nil
}

func (s *shout) SupportedMessageTypes() []pluginpkg.MessageType {
	return []pluginpkg.MessageType{pluginpkg.MessageText}
}

func (s *shout) PlatformType() string { return "shout" }

func (s *shout) CanProcess(_ context.Context, msg *pluginpkg.MessageContext) bool {
	return msg.Sender != "muted"
}

func (s *shout) ConfigSchema() pluginpkg.ConfigSchema {
	return pluginpkg.ConfigSchema{"volume": {Type: "integer", Maximum: pluginpkg.Float(11)}}
}

// dialRemote serves hooks over bufconn and returns the host-side client.
func dialRemote(t *testing.T, hooks pluginpkg.Hooks) *pluginsdk.Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	pluginsdk.RegisterServer(srv, hooks)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return pluginsdk.NewClient(conn)
}

// candidate writes a dummy executable that passes os.Stat checks.
func candidate(t *testing.T, id string) *plugins.Candidate {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, id), []byte("dummy"), 0o600))
	return &plugins.Candidate{
		Dir: dir,
		Manifest: &plugins.Manifest{
			ID:         id,
			Name:       id,
			Version:    "1.0.0",
			Runtime:    plugins.TypeBinary,
			EntryPoint: id,
		},
	}
}

func newMockBackend(t *testing.T, remote any) (*Backend, *mockPluginClient, *mockClientFactory) {
	t.Helper()
	client := &mockPluginClient{protocol: &mockClientProtocol{remote: remote}}
	factory := &mockClientFactory{client: client}
	b := NewBackend(WithClientFactory(factory), WithCallTimeout(time.Second))
	return b, client, factory
}

func TestNewBackend(t *testing.T) {
	b := NewBackend()
	assert.Equal(t, plugins.TypeBinary, b.Type())
	assert.Equal(t, DefaultCallTimeout, b.timeout)
	assert.IsType(t, &DefaultClientFactory{}, b.clientFactory)
	assert.Empty(t, b.Loaded())
}

func TestHandshakeConfig(t *testing.T) {
	assert.Equal(t, pluginsdk.HandshakeConfig, HandshakeConfig)
	assert.Contains(t, PluginMap, pluginsdk.PluginName)
}

func TestLoad_RuntimeRoundTrip(t *testing.T) {
	ctx := context.Background()
	impl := &shout{}
	b, client, factory := newMockBackend(t, dialRemote(t, impl))
	c := candidate(t, "shout")

	hooks, err := b.Load(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Dir, "shout"), factory.lastPath)
	assert.Equal(t, []string{"shout"}, b.Loaded())

	rt := pluginpkg.NewRuntime(c.Manifest.Info(), hooks)
	assert.True(t, rt.Implements(pluginpkg.CapabilityService))
	assert.True(t, rt.Implements(pluginpkg.CapabilityMessageHooks))
	assert.Equal(t, "shout", rt.PlatformType())
	assert.Contains(t, rt.ConfigSchema(), "volume")

	errutil.AssertErrorCode(t, rt.Initialize(ctx, map[string]any{"volume": 12}), errutil.CodeConfigInvalid)
	require.NoError(t, rt.Initialize(ctx, map[string]any{"volume": 3}))
	require.NoError(t, rt.Activate(ctx))
	assert.True(t, impl.activated)

	res := rt.ProcessMessage(ctx, pluginpkg.NewMessageContext("i", "c", "s", pluginpkg.MessageText, "hi"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "HI", res.Response)

	res = rt.ProcessMessage(ctx, pluginpkg.NewMessageContext("i", "c", "s", pluginpkg.MessageText, "fail"))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "cannot shout that")

	assert.False(t, rt.CanProcess(ctx, pluginpkg.NewMessageContext("i", "c", "muted", pluginpkg.MessageText, "x")))
	assert.True(t, rt.HealthCheck(ctx).Healthy)

	require.NoError(t, b.Unload(ctx, "shout"))
	assert.True(t, client.killed)
	assert.Empty(t, b.Loaded())
}

func TestLoad_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("client error", func(t *testing.T) {
		b, client, _ := newMockBackend(t, nil)
		client.clientErr = errors.New("connection refused")
		_, err := b.Load(ctx, candidate(t, "p"))
		errutil.AssertErrorCode(t, err, errutil.CodeLoadFailed)
		assert.True(t, client.killed)
	})

	t.Run("dispense error", func(t *testing.T) {
		b, client, _ := newMockBackend(t, nil)
		client.protocol.dispenseErr = errors.New("unknown plugin")
		_, err := b.Load(ctx, candidate(t, "p"))
		errutil.AssertErrorCode(t, err, errutil.CodeLoadFailed)
		assert.True(t, client.killed)
	})

	t.Run("wrong dispensed type", func(t *testing.T) {
		b, client, _ := newMockBackend(t, "not a client")
		_, err := b.Load(ctx, candidate(t, "p"))
		errutil.AssertErrorCode(t, err, errutil.CodeLoadFailed)
		assert.True(t, client.killed)
	})

	t.Run("executable missing", func(t *testing.T) {
		b, _, _ := newMockBackend(t, nil)
		c := candidate(t, "p")
		c.Manifest.EntryPoint = "missing"
		_, err := b.Load(ctx, c)
		errutil.AssertErrorCode(t, err, errutil.CodeLoadFailed)
	})

	t.Run("duplicate", func(t *testing.T) {
		b, _, _ := newMockBackend(t, dialRemote(t, &shout{}))
		c := candidate(t, "p")
		_, err := b.Load(ctx, c)
		require.NoError(t, err)
		_, err = b.Load(ctx, c)
		errutil.AssertErrorCode(t, err, errutil.CodeLoadFailed)
		assert.ErrorIs(t, err, ErrPluginAlreadyLoaded)
	})
}

func TestUnload_NotLoaded(t *testing.T) {
	b := NewBackend()
	err := b.Unload(context.Background(), "ghost")
	errutil.AssertErrorCode(t, err, errutil.CodePluginNotFound)
	assert.ErrorIs(t, err, ErrPluginNotLoaded)
}

func TestClose_KillsPluginsAndRejectsLoads(t *testing.T) {
	ctx := context.Background()
	b, client, _ := newMockBackend(t, dialRemote(t, &shout{}))
	_, err := b.Load(ctx, candidate(t, "p"))
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))
	assert.True(t, client.killed)
	assert.Nil(t, b.Loaded())

	_, err = b.Load(ctx, candidate(t, "q"))
	assert.ErrorIs(t, err, ErrBackendClosed)
	assert.ErrorIs(t, b.Unload(ctx, "p"), ErrBackendClosed)
}

type unhealthyRemote struct {
	*pluginsdk.Client
}

func (unhealthyRemote) CheckHealth(context.Context) (bool, string, error) {
	return false, "disk full", nil
}

func TestRemoteHooks_CheckHealth(t *testing.T) {
	h := &remoteHooks{remote: unhealthyRemote{}, timeout: time.Second}
	err := h.CheckHealth(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

// queueFactory hands out its clients in order.
type queueFactory struct {
	clients []*mockPluginClient
}

func (f *queueFactory) NewClient(string) PluginClient {
	c := f.clients[0]
	f.clients = f.clients[1:]
	return c
}

func TestStage_CommitKillsPreviousProcess(t *testing.T) {
	ctx := context.Background()
	first := &mockPluginClient{protocol: &mockClientProtocol{remote: dialRemote(t, &shout{})}}
	second := &mockPluginClient{protocol: &mockClientProtocol{remote: dialRemote(t, &shout{})}}
	third := &mockPluginClient{protocol: &mockClientProtocol{remote: dialRemote(t, &shout{})}}
	b := NewBackend(WithClientFactory(&queueFactory{clients: []*mockPluginClient{first, second, third}}), WithCallTimeout(time.Second))
	c := candidate(t, "shout")

	_, err := b.Load(ctx, c)
	require.NoError(t, err)

	discarded, err := b.Stage(ctx, c)
	require.NoError(t, err)
	discarded.Discard()
	assert.True(t, second.killed)
	assert.False(t, first.killed, "discarding a staged process leaves the running one")

	staged, err := b.Stage(ctx, c)
	require.NoError(t, err)
	assert.False(t, first.killed)
	staged.Commit()
	assert.True(t, first.killed)
	assert.False(t, third.killed)
	assert.Equal(t, []string{"shout"}, b.Loaded())

	require.NoError(t, b.Unload(ctx, "shout"))
	assert.True(t, third.killed)
}
