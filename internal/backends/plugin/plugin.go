// Package plugin runs a core.Backend in a separate process with
// hashicorp/go-plugin. The executable that hosts the numeric framework calls
// Serve; the pipeline connects to it with NewClient.
package plugin

import (
	"context"
	"fmt"
	"net/rpc"
	"os/exec"

	"kidney-classifier/internal/core"

	hcplugin "github.com/hashicorp/go-plugin"
)

var Handshake = hcplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "CLASSIFIER_BACKEND_PLUGIN",
	MagicCookieValue: "0e6b8cbb-5c7e-4f0a-9a4e-1f1b7b0c6d2e",
}

const backendPluginName = "backend"

// BackendPlugin is the go-plugin definition of a core.Backend over net/rpc.
type BackendPlugin struct {
	Impl core.Backend
}

func (p *BackendPlugin) Server(*hcplugin.MuxBroker) (interface{}, error) {
	return NewRPCServer(p.Impl), nil
}

func (p *BackendPlugin) Client(b *hcplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &RPCClient{client: c}, nil
}

var PluginMap = map[string]hcplugin.Plugin{
	backendPluginName: &BackendPlugin{},
}

// Serve blocks serving impl to the process that launched this executable.
func Serve(impl core.Backend) {
	hcplugin.Serve(&hcplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]hcplugin.Plugin{
			backendPluginName: &BackendPlugin{Impl: impl},
		},
	})
}

// Client is a core.Backend served by a plugin process.
type Client struct {
	client  *hcplugin.Client
	backend *RPCClient
}

// NewClient launches the plugin executable with args and connects to it.
func NewClient(executable string, args ...string) (*Client, error) {
	client := hcplugin.NewClient(&hcplugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          PluginMap,
		Cmd:              exec.Command(executable, args...),
		AllowedProtocols: []hcplugin.Protocol{hcplugin.ProtocolNetRPC},
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("error establishing RPC connection: %w", err)
	}

	backend, err := dispense(rpcClient)
	if err != nil {
		client.Kill()
		return nil, err
	}

	return &Client{client: client, backend: backend}, nil
}

func dispense(rpcClient hcplugin.ClientProtocol) (*RPCClient, error) {
	raw, err := rpcClient.Dispense(backendPluginName)
	if err != nil {
		return nil, fmt.Errorf("error dispensing '%s': %w", backendPluginName, err)
	}

	backend, ok := raw.(*RPCClient)
	if !ok {
		return nil, fmt.Errorf("dispensed interface '%s' is not of expected type *RPCClient (actual type: %T)", backendPluginName, raw)
	}
	return backend, nil
}

func (c *Client) FetchPretrained(ctx context.Context, opts core.PretrainedOptions) (core.Model, error) {
	return c.backend.FetchPretrained(ctx, opts)
}

func (c *Client) Load(ctx context.Context, path string) (core.Model, error) {
	return c.backend.Load(ctx, path)
}

func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Kill()
	c.client = nil
	return nil
}
