package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := Serve(ctx, "test", ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))

	resp, err := http.Get("http://" + ln.Addr().String())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	cancel()
	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	_, err = http.Get("http://" + ln.Addr().String())
	assert.Error(t, err)
}

func TestStartRejectsBadAddress(t *testing.T) {
	_, err := Start(context.Background(), "test", "not an address", http.NotFoundHandler())
	assert.Error(t, err)
}
