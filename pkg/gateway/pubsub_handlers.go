package gateway

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/muxnet/pkg/logging"
	"github.com/DeBrosOfficial/muxnet/pkg/pubsub"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// For early development we accept any origin; tighten later.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope is the JSON frame sent to websocket clients for each
// delivered message.
type wsEnvelope struct {
	Topic     string `json:"topic"`
	From      string `json:"from"`
	Seqno     string `json:"seqno"`
	DataB64   string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// pubsubWebsocketHandler upgrades to WS and gives the client its own
// subscription stream for the topic. Messages sent by the client are
// published to the same topic. Each connection gets an independently
// paced stream; a slow client misses messages instead of blocking the
// muxer or its siblings.
func (g *Gateway) pubsubWebsocketHandler(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "missing 'topic'")
		return
	}

	sub, err := g.mux.Subscribe(topic)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		g.logger.ComponentWarn(logging.ComponentGateway, "pubsub ws: upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	defer sub.Close()

	clientID := uuid.NewString()
	g.logger.ComponentInfo(logging.ComponentGateway, "pubsub ws: client connected",
		zap.String("client", clientID), zap.String("topic", topic))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writer: pull from the subscription at the client's pace.
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		msgs := make(chan *pubsub.Message)
		go func() {
			defer close(msgs)
			for {
				msg, err := sub.Next(ctx)
				if err != nil {
					return
				}
				select {
				case msgs <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
						time.Now().Add(5*time.Second))
					return
				}
				frame, err := json.Marshal(wsEnvelope{
					Topic:     msg.Topic.Name(),
					From:      msg.From.String(),
					Seqno:     hex.EncodeToString(msg.Seqno),
					DataB64:   base64.StdEncoding.EncodeToString(msg.Data),
					Timestamp: time.Now().UnixMilli(),
				})
				if err != nil {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			case <-ctx.Done():
				return
			}
		}
	}()

	// Reader: any client frame publishes to the same topic.
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		// Filter client-side heartbeats; they are not payload.
		var probe map[string]any
		if err := json.Unmarshal(data, &probe); err == nil {
			if t, ok := probe["type"].(string); ok && t == "ping" {
				continue
			}
		}
		if _, err := g.mux.Publish(r.Context(), topic, data); err != nil {
			g.logger.ComponentWarn(logging.ComponentGateway, "pubsub ws: publish failed",
				zap.String("client", clientID), zap.String("topic", topic), zap.Error(err))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"publish_failed"}`))
		}
	}
	cancel()
	<-done
	g.logger.ComponentInfo(logging.ComponentGateway, "pubsub ws: client disconnected",
		zap.String("client", clientID), zap.String("topic", topic))
}

// pubsubPublishHandler handles POST /v1/pubsub/publish {topic, data_base64}
func (g *Gateway) pubsubPublishHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topic   string `json:"topic"`
		DataB64 string `json:"data_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Topic == "" || body.DataB64 == "" {
		writeError(w, http.StatusBadRequest, "invalid body: expected {topic,data_base64}")
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.DataB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid base64 data")
		return
	}

	id, err := g.mux.Publish(r.Context(), body.Topic, data)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pubsub.ErrInsufficientPeers):
			status = http.StatusPreconditionFailed
		case errors.Is(err, pubsub.ErrDuplicateMessage):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message_id": string(id)})
}

// pubsubTopicsHandler lists the locally subscribed topics
func (g *Gateway) pubsubTopicsHandler(w http.ResponseWriter, r *http.Request) {
	topics := g.mux.SubscribedTopics()
	if topics == nil {
		topics = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}
