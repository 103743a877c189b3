package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserver_NotifiesOnTransitionsOnly(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := NewObserver(srv.URL+"/health", 10*time.Millisecond, zerolog.Nop())

	transitions := make(chan bool, 16)
	obs.Subscribe(func(online bool) {
		transitions <- online
	})

	obs.Start(context.Background())
	defer obs.Stop()

	select {
	case online := <-transitions:
		assert.True(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("no online transition observed")
	}
	assert.True(t, obs.IsOnline())

	healthy.Store(false)

	select {
	case online := <-transitions:
		assert.False(t, online)
	case <-time.After(2 * time.Second):
		t.Fatal("no offline transition observed")
	}
	assert.False(t, obs.IsOnline())

	// Пока состояние стабильно, новых уведомлений нет.
	time.Sleep(50 * time.Millisecond)
	select {
	case online := <-transitions:
		t.Fatalf("unexpected transition notification: online=%v", online)
	default:
	}
}

func TestObserver_UnreachableServerStaysOffline(t *testing.T) {
	// Порт из диапазона динамических, на котором никто не слушает.
	obs := NewObserver("http://127.0.0.1:1/health", 10*time.Millisecond, zerolog.Nop())

	obs.Start(context.Background())
	defer obs.Stop()

	require.Never(t, obs.IsOnline, 100*time.Millisecond, 20*time.Millisecond)
}
