package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/modelclient"
)

func TestNewWSRequiresURL(t *testing.T) {
	_, err := NewWS(WSConfig{})
	require.Error(t, err)
}

func TestWSCompleteStreamsChunks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, _, err = conn.ReadMessage()
		require.NoError(t, err)

		events := []wsEvent{
			{TextDelta: "hello "},
			{TextDelta: "world"},
			{Done: true},
		}
		for _, ev := range events {
			b, _ := json.Marshal(ev)
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := NewWS(WSConfig{URL: wsURL})
	require.NoError(t, err)

	stream, err := client.Complete(context.Background(), modelclient.Request{RequestOrdinal: 1})
	require.NoError(t, err)

	var text strings.Builder
	for chunk := range stream.Chunks {
		if chunk.Kind == modelclient.ChunkTextDelta {
			text.WriteString(chunk.TextDelta)
		}
	}
	require.NoError(t, stream.Err())
	require.Equal(t, "hello world", text.String())
}

func TestWSCompleteDialFailure(t *testing.T) {
	client, err := NewWS(WSConfig{URL: "ws://127.0.0.1:1/never"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = client.Complete(ctx, modelclient.Request{})
	require.Error(t, err)
}
