package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/packfinderz-cartsync/pkg/config"
)

func TestManualNotifiesOnTransitionsOnly(t *testing.T) {
	probe := NewManual(true)
	var changes []bool
	unsubscribe := probe.OnChange(func(online bool) { changes = append(changes, online) })

	probe.Set(true)
	probe.Set(false)
	probe.Set(false)
	probe.Set(true)
	assert.Equal(t, []bool{false, true}, changes)
	assert.True(t, probe.IsOnline())

	unsubscribe()
	probe.Set(false)
	assert.Len(t, changes, 2)
}

func TestHTTPProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe, err := NewHTTPProbe(config.ConnectivityConfig{HealthURL: srv.URL, PollInterval: time.Hour, ProbeTimeout: time.Second}, nil)
	require.NoError(t, err)

	var changes []bool
	probe.OnChange(func(online bool) { changes = append(changes, online) })

	assert.True(t, probe.Check(context.Background()))
	status.Store(http.StatusServiceUnavailable)
	assert.False(t, probe.Check(context.Background()))
	assert.False(t, probe.IsOnline())
	status.Store(http.StatusNoContent)
	assert.True(t, probe.Check(context.Background()))
	assert.Equal(t, []bool{false, true}, changes)

	srv.Close()
	assert.False(t, probe.Check(context.Background()), "unreachable host is offline")
}

func TestHTTPProbeRunStopsWithContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	probe, err := NewHTTPProbe(config.ConnectivityConfig{HealthURL: srv.URL, PollInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		probe.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, probe.IsOnline())
}

func TestHTTPProbeRequiresURL(t *testing.T) {
	_, err := NewHTTPProbe(config.ConnectivityConfig{}, nil)
	assert.Error(t, err)
}
