package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthHandler handles GET /health
func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "peer_id": g.peerID})
}

// statusHandler handles GET /v1/status
func (g *Gateway) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"peer_id":    g.peerID,
		"uptime":     time.Since(g.startedAt).String(),
		"topics":     g.mux.SubscribedTopics(),
		"peer_count": len(g.mux.KnownPeers()),
	})
}

// networkPeersHandler handles GET /v1/network/peers.
// It returns the known peers as /p2p/ multiaddr strings.
func (g *Gateway) networkPeersHandler(w http.ResponseWriter, r *http.Request) {
	peers := g.mux.KnownPeers()
	peerAddrs := make([]string, 0, len(peers))
	for _, p := range peers {
		peerAddrs = append(peerAddrs, "/p2p/"+p.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"peers": peerAddrs})
}

// topicPeersHandler handles GET /v1/network/topics/{topic}/peers.
// It returns the peers known to subscribe to the topic.
func (g *Gateway) topicPeersHandler(w http.ResponseWriter, r *http.Request) {
	topic := chi.URLParam(r, "topic")
	if topic == "" {
		writeError(w, http.StatusBadRequest, "missing topic")
		return
	}
	peers := g.mux.SubscribedPeers(topic)
	ids := make([]string, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, p.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": topic, "peers": ids})
}
