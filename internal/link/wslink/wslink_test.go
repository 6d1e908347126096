package wslink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinkSendAndReceiveRoundTrip(t *testing.T) {
	serverLinkCh := make(chan *Link, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, err := Accept(w, r)
		require.NoError(t, err)
		serverLinkCh <- l
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientLink, err := Dial(ctx, wsURL)
	require.NoError(t, err)
	defer clientLink.Close("test done")

	serverLink := <-serverLinkCh
	defer serverLink.Close("test done")

	require.NoError(t, clientLink.Send([]byte("hello")))

	got, err := serverLink.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	require.NotEmpty(t, clientLink.ID())
	require.NotEqual(t, clientLink.ID(), serverLink.ID())
}

func TestLinkCloseUnblocksReceive(t *testing.T) {
	serverLinkCh := make(chan *Link, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l, err := Accept(w, r)
		require.NoError(t, err)
		serverLinkCh <- l
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	clientLink, err := Dial(ctx, wsURL)
	require.NoError(t, err)
	serverLink := <-serverLinkCh

	require.NoError(t, clientLink.Close("bye"))

	_, err = serverLink.Receive(ctx)
	require.Error(t, err)
}
