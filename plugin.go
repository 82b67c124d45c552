package mailbus

import (
	"context"
	"errors"
	"log/slog"
)

// Plugin defines the interface for dispatcher extensions.
// Plugins are initialized by Start and closed by Close.
//
// A plugin that also implements Listener is added as a GlobalOnce listener
// once it is initialized, so it observes every event raised on this node.
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when the dispatcher starts.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when the dispatcher closes.
	Close(ctx context.Context) error
}

// ListenerPlugin is a plugin that observes locally raised events.
type ListenerPlugin interface {
	Plugin
	Listener
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all       []Plugin
	listeners []ListenerPlugin
	logger    *slog.Logger
}

// newPluginRegistry creates a new plugin registry.
func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

// register adds a plugin to the registry.
func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if l, ok := p.(ListenerPlugin); ok {
		r.listeners = append(r.listeners, l)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
		r.logger.Debug("plugin initialized", "plugin", p.Name())
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "mailbus: plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}
