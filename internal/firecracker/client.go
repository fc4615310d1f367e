// Package firecracker implements the minimal control-plane client that
// configures a running microVM over its local API socket: HTTP over a
// Unix domain socket, one PUT per configuration unit, 204 on success.
package firecracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client issues configuration writes to microVM API sockets. It is
// stateless; ordering across calls (boot-source before machine-config) is
// the caller's responsibility.
type Client struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a control-plane client with the given per-request
// timeout.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		timeout: timeout,
		logger:  logger.With("component", "firecracker"),
	}
}

// Put writes one JSON configuration document to the given resource path
// (e.g. /boot-source, /machine-config) on the VM's API socket. Success is
// signaled exclusively by 204 No Content; any other non-error status is a
// protocol violation, and HTTP error statuses propagate as errors.
func (c *Client) Put(ctx context.Context, socketPath, resource string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", resource, err)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	// The transport lives for one request; without this the kept-alive
	// socket connection would linger until the transport is collected.
	defer transport.CloseIdleConnections()

	httpClient := &http.Client{
		Timeout:   c.timeout,
		Transport: transport,
	}

	// Host is a placeholder; routing happens via the socket dial.
	url := "http://localhost" + resource
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", resource, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put %s on %s: %w", resource, socketPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		c.logger.Debug("configuration accepted", "resource", resource, "socket", socketPath)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("put %s: %s: %s", resource, resp.Status, strings.TrimSpace(string(detail)))
	}
	return fmt.Errorf("put %s: unexpected status %s (want 204 No Content)", resource, resp.Status)
}
