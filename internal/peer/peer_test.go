package peer

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/server"
	"remotelink/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newPeerConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Signal.PollWait = 20 * time.Millisecond
	cfg.Peer.PermissionPollInterval = 20 * time.Millisecond

	reg := prometheus.NewRegistry()
	srv, err := server.New(cfg, server.ModeAPI, reg, reg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	cfg.Peer.APIURL = ts.URL
	return cfg
}

func TestNew_RejectsBadOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	logger := zaptest.NewLogger(t).Sugar()

	_, err := New(cfg, Options{Role: "viewer"}, nil, nil, logger)
	assert.ErrorIs(t, err, domain.ErrInvalidRole)

	_, err = New(cfg, Options{Role: domain.RoleClient}, nil, nil, logger)
	assert.ErrorIs(t, err, domain.ErrNoSessionCode)
}

func TestPeer_OpenSyncsClientGrant(t *testing.T) {
	cfg := newPeerConfig(t)
	logger := zaptest.NewLogger(t).Sugar()
	ctx := context.Background()

	host, err := New(cfg, Options{Role: domain.RoleHost, PeerID: "agent_1"}, nil, nil, logger)
	require.NoError(t, err)
	s, err := host.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPending, s.State)

	grant := domain.Permissions{ScreenShare: true, MouseControl: true}
	client, err := New(cfg, Options{Role: domain.RoleClient, Code: s.Code, Grant: &grant}, nil, nil, logger)
	require.NoError(t, err)
	joined, err := client.Open(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionConnected, joined.State)
	assert.Equal(t, client.opts.PeerID, joined.ClientID)
	assert.True(t, strings.HasPrefix(string(joined.ClientID), "client_"))
	assert.Equal(t, grant, client.permissions.Current())

	require.NoError(t, host.permissions.Sync(ctx))
	assert.Equal(t, grant, host.permissions.Current())

	// The host may only lower what the client granted.
	assert.ErrorIs(t, host.RequestPermissions(ctx, domain.Permissions{ScreenShare: true, MouseControl: true, KeyboardControl: true}), domain.ErrPermissionForbidden)
	require.NoError(t, host.RequestPermissions(ctx, domain.Permissions{ScreenShare: true}))
	assert.False(t, host.permissions.Current().MouseControl)

	client.Close(ctx)
	got, err := host.session.Get(ctx, s.Code)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionDisconnected, got.State)

	host.Close(ctx)
	assert.Equal(t, domain.PhaseClosed, host.State().Phase)
}

func TestPeer_JoinUnknownCode(t *testing.T) {
	cfg := newPeerConfig(t)
	client, err := New(cfg, Options{Role: domain.RoleClient, Code: "000001"}, nil, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	_, err = client.Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}
