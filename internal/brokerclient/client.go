// Package brokerclient implements interfaces.BrokerClient over the
// broker's HTTP+JSON wire protocol (spec.md §6.2). Grounded in the
// teacher's shared http.Client-with-timeout pattern
// (internal/integration/cluster_api_test.go, e2e/harness/harness.go),
// generalized from ad hoc test helpers into a production client.
package brokerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/i5heu/blocksync/pkg/interfaces"
	"github.com/i5heu/blocksync/pkg/protocol"
	"github.com/i5heu/blocksync/pkg/update"
)

// pullTimeoutMargin keeps the client-side HTTP timeout comfortably above
// the broker's 120s long-poll timeout (spec.md §6.2: "client-side HTTP
// timeout must exceed this").
const pullTimeoutMargin = 30 * time.Second

// Client is the concrete interfaces.BrokerClient implementation.
type Client struct {
	http     *http.Client
	pullHTTP *http.Client
	baseURL  string
	userID   string
	nodeID   string
}

var _ interfaces.BrokerClient = (*Client)(nil)

// New builds a Client. baseURL is the broker's root (e.g.
// "http://localhost:8080"); userID is sent as X-User-Id on every request;
// nodeID identifies this node in check-in/pull/request calls.
func New(baseURL, userID, nodeID string) *Client {
	return &Client{
		http:     &http.Client{Timeout: 10 * time.Second},
		pullHTTP: &http.Client{Timeout: 120*time.Second + pullTimeoutMargin},
		baseURL:  baseURL,
		userID:   userID,
		nodeID:   nodeID,
	}
}

// CheckIn implements interfaces.BrokerClient.
func (c *Client) CheckIn(ctx context.Context, req protocol.CheckInRequest) (protocol.CheckInResponse, error) {
	var resp protocol.CheckInResponse
	err := c.doJSON(ctx, c.http, "/check-in", req, &resp)
	return resp, err
}

// PushBlocks implements interfaces.BrokerClient.
func (c *Client) PushBlocks(ctx context.Context, toNodeID string, blocks []update.Block) error {
	req := protocol.PushBlocksRequest{ToNodeID: toNodeID, FromNodeID: c.nodeID, Blocks: blocks}
	return c.doJSON(ctx, c.http, "/push-blocks", req, nil)
}

// RequestBlocks implements interfaces.BrokerClient.
func (c *Client) RequestBlocks(ctx context.Context, ids []update.BlockID) error {
	hashes := make([]string, len(ids))
	for i, id := range ids {
		hashes[i] = string(id)
	}
	req := protocol.RequestBlocksRequest{NodeID: c.nodeID, RequiredHashes: hashes}
	return c.doJSON(ctx, c.http, "/request-blocks", req, nil)
}

// PullBlocks implements interfaces.BrokerClient. It uses a client with a
// longer timeout than the ordinary calls, since this one legitimately
// blocks for up to the broker's long-poll window.
func (c *Client) PullBlocks(ctx context.Context) ([]update.Block, string, error) {
	var resp protocol.PullBlocksResponse
	if err := c.doJSON(ctx, c.pullHTTP, "/pull-blocks", protocol.PullBlocksRequest{NodeID: c.nodeID}, &resp); err != nil {
		return nil, "", err
	}
	return resp.Blocks, resp.FromNodeID, nil
}

func (c *Client) doJSON(ctx context.Context, client *http.Client, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("brokerclient: encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("brokerclient: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderUserID, c.userID)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("brokerclient: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("brokerclient: %s: status %d: %s", path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("brokerclient: decode %s response: %w", path, err)
	}
	return nil
}
