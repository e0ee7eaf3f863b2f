package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/virelabs/toolhost/internal/container"
	"github.com/virelabs/toolhost/internal/errors"
	"github.com/virelabs/toolhost/internal/rpc"
	"github.com/virelabs/toolhost/internal/subprocess"
)

// ProcessHandle is the provisioner's view of a launched plugin process.
// It is satisfied by subprocess.Process.
type ProcessHandle interface {
	rpc.Transport
	Close() error
	Pid() int
}

// Runtime abstracts the container runtime invocations provisioning
// needs. It is satisfied by container.CLI.
type Runtime interface {
	Pull(ctx context.Context, image string) error
	RunCommand(image string, env map[string]string) (string, []string)
}

// Launcher spawns plugin processes. It is satisfied by
// SubprocessLauncher; tests substitute in-memory handles.
type Launcher interface {
	Launch(name string, args []string) (ProcessHandle, error)
}

// SubprocessLauncher launches real plugin processes.
type SubprocessLauncher struct {
	Log *slog.Logger
}

// Launch implements Launcher.
func (l SubprocessLauncher) Launch(name string, args []string) (ProcessHandle, error) {
	return subprocess.Start(l.Log, name, args, nil)
}

// Provisioner brings a named plugin from absent to Running, or fails
// cleanly with no orphaned state.
type Provisioner struct {
	log         *slog.Logger
	registry    *Registry
	runtime     Runtime
	launcher    Launcher
	channelOpts []rpc.Option

	// lookupEnv resolves host credential aliases; os.LookupEnv outside
	// tests.
	lookupEnv func(string) (string, bool)
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithChannelOptions applies opts to every channel the provisioner
// creates.
func WithChannelOptions(opts ...rpc.Option) Option {
	return func(p *Provisioner) {
		p.channelOpts = opts
	}
}

// NewProvisioner wires a provisioner to the registry it writes.
func NewProvisioner(log *slog.Logger, registry *Registry, runtime Runtime, launcher Launcher, opts ...Option) *Provisioner {
	p := &Provisioner{
		log:       log.With("component", "provisioner"),
		registry:  registry,
		runtime:   runtime,
		launcher:  launcher,
		lookupEnv: os.LookupEnv,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Provision pulls the plugin's image, launches its process, and runs
// tool discovery. Exactly one record is inserted regardless of outcome,
// so repeated calls under the same name are consistently rejected until
// the caller removes the stale entry. Discovery failure leaves the
// process alive: a live undiscovered process is distinguishable from a
// crashed one.
func (p *Provisioner) Provision(ctx context.Context, name, image string, env map[string]string) (Snapshot, error) {
	if err := p.registry.Add(name, image); err != nil {
		return Snapshot{}, err
	}

	p.log.Info("Provisioning plugin", "plugin", name, "image", image)

	if err := p.runtime.Pull(ctx, image); err != nil {
		p.registry.markFailed(name, err.Error())

		return Snapshot{}, &errors.ProvisioningError{Plugin: name, Stage: "pull", Err: err}
	}

	merged := container.MergeEnv(p.lookupEnv, env)
	binary, args := p.runtime.RunCommand(image, merged)

	handle, err := p.launcher.Launch(binary, args)
	if err != nil {
		p.registry.markFailed(name, err.Error())

		return Snapshot{}, &errors.ProvisioningError{Plugin: name, Stage: "launch", Err: err}
	}

	// The channel outlives the provisioning request; its read loop stops
	// only when the process's streams close.
	channel := rpc.New(p.log, name, handle, p.channelOpts...)
	channel.Start(context.Background())
	p.registry.attach(name, handle, channel)

	go p.watchClose(name, channel)

	tools, err := p.discover(ctx, channel)
	if err != nil {
		derr := &errors.DiscoveryError{Plugin: name, Err: err}
		p.registry.markFailed(name, derr.Error())
		p.log.Warn("Tool discovery failed, process left running",
			"plugin", name, "pid", handle.Pid(), "error", err)

		return Snapshot{}, derr
	}

	if !p.registry.setRunning(name, tools) {
		// The channel closed between the discovery response and now;
		// watchClose already marked the record Failed.
		err := channel.CloseReason()
		if err == nil {
			err = &errors.ChannelClosedError{Plugin: name}
		}

		p.log.Warn("Plugin channel closed during discovery", "plugin", name, "error", err)

		return Snapshot{}, &errors.DiscoveryError{Plugin: name, Err: err}
	}

	p.log.Info("Plugin running", "plugin", name, "tools", len(tools))

	return p.registry.Get(name)
}

// Remove deletes a plugin record, stopping its process if still alive.
func (p *Provisioner) Remove(name string) error {
	p.log.Info("Removing plugin", "plugin", name)

	return p.registry.Remove(name)
}

// discover issues the single list_tools call that gates Running status.
func (p *Provisioner) discover(ctx context.Context, channel *rpc.Channel) ([]ToolDescriptor, error) {
	raw, err := channel.Call(ctx, "list_tools", map[string]any{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed list_tools response: %w", err)
	}

	return result.Tools, nil
}

// watchClose marks the plugin Failed once its channel closes; from then
// on no further calls can succeed. The catalog drops its tools
// automatically via the status check.
func (p *Provisioner) watchClose(name string, channel *rpc.Channel) {
	<-channel.Done()

	reason := "channel closed"
	if err := channel.CloseReason(); err != nil {
		reason = err.Error()
	}

	p.log.Warn("Plugin channel closed", "plugin", name, "reason", reason)
	p.registry.markFailed(name, reason)
}
