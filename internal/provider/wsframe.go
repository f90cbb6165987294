package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/relaykit/relay/internal/kernelerr"
	"github.com/relaykit/relay/internal/modelclient"
	"github.com/relaykit/relay/pkg/kernel"
)

// wsEvent is the line-delimited-over-websocket wire shape some
// providers use instead of SSE for streaming completions: one JSON
// object per text message, terminated by a message with Done=true.
type wsEvent struct {
	TextDelta      string `json:"text_delta,omitempty"`
	ReasoningDelta string `json:"reasoning_delta,omitempty"`
	FunctionName   string `json:"function_name,omitempty"`
	FunctionArgs   string `json:"function_args,omitempty"`
	CallID         string `json:"call_id,omitempty"`
	Done           bool   `json:"done,omitempty"`
	Error          string `json:"error,omitempty"`
}

// WSConfig configures a websocket-framed provider endpoint.
type WSConfig struct {
	URL     string
	Headers map[string]string
}

// WS adapts a websocket-framed streaming endpoint to modelclient.Client
// — the optional WS path SPEC_FULL.md's domain-stack table calls for
// alongside the SSE-based Anthropic/OpenAI adapters, for providers that
// stream completions over a persistent socket rather than chunked HTTP.
type WS struct {
	cfg WSConfig
}

func NewWS(cfg WSConfig) (*WS, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("provider: websocket URL is required")
	}
	return &WS{cfg: cfg}, nil
}

func (w *WS) Name() string { return "ws" }

func (w *WS) Complete(ctx context.Context, req modelclient.Request) (*modelclient.Stream, error) {
	header := make(map[string][]string, len(w.cfg.Headers))
	for k, v := range w.cfg.Headers {
		header[k] = []string{v}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		return nil, kernelerr.Stream(fmt.Sprintf("ws: dial: %v", err), "", 0)
	}

	body, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("provider: marshal ws request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		conn.Close()
		return nil, kernelerr.Stream(fmt.Sprintf("ws: write request: %v", err), "", 0)
	}

	chunks := make(chan modelclient.Chunk, 16)
	stream, finish := modelclient.NewStream(chunks)

	go func() {
		defer close(chunks)
		defer conn.Close()

		var seq uint64
		nextOrder := func() kernel.OrderMeta {
			seq++
			s := seq
			return kernel.OrderMeta{RequestOrdinal: req.RequestOrdinal, SequenceNumber: &s}
		}

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					chunks <- modelclient.Chunk{Kind: modelclient.ChunkDone, Order: nextOrder()}
					finish(nil)
					return
				}
				finish(kernelerr.Stream(fmt.Sprintf("ws: read: %v", err), "", 0))
				return
			}

			var ev wsEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				finish(kernelerr.Stream(fmt.Sprintf("ws: malformed frame: %v", err), "", 0))
				return
			}
			if ev.Error != "" {
				finish(kernelerr.UnexpectedStatus(0, ev.Error, ""))
				return
			}
			switch {
			case ev.TextDelta != "":
				chunks <- modelclient.Chunk{Kind: modelclient.ChunkTextDelta, Order: nextOrder(), TextDelta: ev.TextDelta}
			case ev.ReasoningDelta != "":
				chunks <- modelclient.Chunk{Kind: modelclient.ChunkReasoningDelta, Order: nextOrder(), ReasoningDelta: ev.ReasoningDelta}
			case ev.FunctionName != "":
				item := kernel.ConversationItem{
					Type:      kernel.ItemFunctionCall,
					CallID:    kernel.CallId(ev.CallID),
					Name:      ev.FunctionName,
					Arguments: ev.FunctionArgs,
				}
				chunks <- modelclient.Chunk{Kind: modelclient.ChunkItem, Order: nextOrder(), Item: &item}
			}
			if ev.Done {
				chunks <- modelclient.Chunk{Kind: modelclient.ChunkDone, Order: nextOrder()}
				finish(nil)
				return
			}
		}
	}()

	return stream, nil
}
