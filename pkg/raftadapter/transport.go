package raftadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	// RaftEndpoint is the path the HTTP server exposes for peer messages.
	RaftEndpoint     = "/api/internal/raft"
	transportTimeout = 3 * time.Second
	maxRetries       = 3
	retryDelay       = 100 * time.Millisecond
)

// Transport delivers raft messages to peers as JSON over HTTP POST.
type Transport struct {
	peersMu    sync.RWMutex
	peers      map[uint64]string
	httpClient *http.Client
}

func NewTransport(peers map[uint64]string) *Transport {
	own := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		own[id] = peerURL(addr)
	}
	return &Transport{
		peers: own,
		httpClient: &http.Client{
			Timeout: transportTimeout,
		},
	}
}

// peerURL принимает "host:port" из конфига и добавляет схему.
func peerURL(addr string) string {
	if addr == "" || strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + strings.TrimSuffix(addr, "/")
}

func (t *Transport) AddPeer(nodeID uint64, addr string) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	t.peers[nodeID] = peerURL(addr)
}

func (t *Transport) RemovePeer(nodeID uint64) {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	delete(t.peers, nodeID)
}

func (t *Transport) UpdatePeer(nodeID uint64, addr string) {
	t.AddPeer(nodeID, addr)
}

// Send posts msg to its target peer. Retries stop as soon as ctx is done,
// so a stopping node does not keep goroutines sleeping on dead peers.
func (t *Transport) Send(ctx context.Context, msg raftpb.Message) error {
	t.peersMu.RLock()
	target, ok := t.peers[msg.To]
	t.peersMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if lastErr = t.post(ctx, target+RaftEndpoint, body); lastErr == nil {
			return nil
		}
		slog.Debug("raft message not delivered",
			"attempt", attempt+1,
			"to", msg.To,
			"type", msg.Type,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return fmt.Errorf("send to %d: %w", msg.To, ctx.Err())
		case <-time.After(retryDelay * time.Duration(attempt+1)):
		}
	}

	return fmt.Errorf("send to %d after %d attempts: %w", msg.To, maxRetries, lastErr)
}

func (t *Transport) post(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, transportTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
