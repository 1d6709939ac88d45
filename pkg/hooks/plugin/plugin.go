// Package plugin provides a hook system based on Hashicorp's plugin system. You can
// write a plugin in many languages. The plugin is then executed as a separate process
// and communicates with tusdisk over RPC. More details can be found at https://github.com/hashicorp/go-plugin.
// A Go plugin implements hooks.HookHandler and calls Serve from its main function.
package plugin

import (
	"fmt"
	"net/rpc"
	"os"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	"github.com/tusdisk/tusdisk/pkg/hooks"
)

type PluginHook struct {
	Path string
	// Logger receives the output of the plugin process. Defaults to a hclog
	// logger writing to stderr.
	Logger hclog.Logger

	client      *plugin.Client
	handlerImpl hooks.HookHandler
}

func (h *PluginHook) Setup() error {
	logger := h.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "tusdisk-plugin",
			Output: os.Stderr,
			Level:  hclog.Info,
		})
	}

	// We're a host! Start by launching the plugin process.
	h.client = plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: handshakeConfig,
		Plugins:         pluginMap,
		Cmd:             exec.Command(h.Path),
		SyncStdout:      os.Stdout,
		SyncStderr:      os.Stderr,
		Logger:          logger,
	})

	// Connect via RPC
	rpcClient, err := h.client.Client()
	if err != nil {
		h.client.Kill()
		return fmt.Errorf("plugin hook: starting %s: %w", h.Path, err)
	}

	// Request the plugin
	raw, err := rpcClient.Dispense("hookHandler")
	if err != nil {
		h.client.Kill()
		return fmt.Errorf("plugin hook: dispensing handler: %w", err)
	}

	handlerImpl, ok := raw.(hooks.HookHandler)
	if !ok {
		h.client.Kill()
		return fmt.Errorf("plugin hook: %s does not implement a hook handler", h.Path)
	}
	h.handlerImpl = handlerImpl

	return h.handlerImpl.Setup()
}

func (h *PluginHook) InvokeHook(req hooks.HookRequest) (hooks.HookResponse, error) {
	return h.handlerImpl.InvokeHook(req)
}

// Close stops the plugin process.
func (h *PluginHook) Close() {
	if h.client != nil {
		h.client.Kill()
	}
}

// Serve runs impl as a plugin. It must be called from the main function of
// the plugin binary and blocks until the host disconnects.
func Serve(impl hooks.HookHandler) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: handshakeConfig,
		Plugins: map[string]plugin.Plugin{
			"hookHandler": &HookHandlerPlugin{Impl: impl},
		},
	})
}

// handshakeConfigs are used to just do a basic handshake between
// a plugin and host. If the handshake fails, a user friendly error is shown.
// This prevents users from executing bad plugins or executing a plugin
// directory. It is a UX feature, not a security feature.
var handshakeConfig = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "TUSDISK_PLUGIN",
	MagicCookieValue: "yes",
}

// pluginMap is the map of plugins we can dispense.
var pluginMap = map[string]plugin.Plugin{
	"hookHandler": &HookHandlerPlugin{},
}

// HookHandlerRPC is the client side, talking to HookHandlerRPCServer.
type HookHandlerRPC struct{ client *rpc.Client }

func (g *HookHandlerRPC) Setup() error {
	var res interface{}
	return g.client.Call("Plugin.Setup", new(interface{}), &res)
}

func (g *HookHandlerRPC) InvokeHook(req hooks.HookRequest) (res hooks.HookResponse, err error) {
	err = g.client.Call("Plugin.InvokeHook", req, &res)
	return res, err
}

// HookHandlerRPCServer runs inside the plugin process and conforms to the
// requirements of net/rpc.
type HookHandlerRPCServer struct {
	Impl hooks.HookHandler
}

func (s *HookHandlerRPCServer) Setup(args interface{}, resp *interface{}) error {
	return s.Impl.Setup()
}

func (s *HookHandlerRPCServer) InvokeHook(args hooks.HookRequest, resp *hooks.HookResponse) (err error) {
	*resp, err = s.Impl.InvokeHook(args)
	return err
}

// HookHandlerPlugin implements plugin.Plugin. Server is used in the plugin
// process, Client in the host.
type HookHandlerPlugin struct {
	Impl hooks.HookHandler
}

func (p *HookHandlerPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &HookHandlerRPCServer{Impl: p.Impl}, nil
}

func (HookHandlerPlugin) Client(b *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &HookHandlerRPC{client: c}, nil
}
