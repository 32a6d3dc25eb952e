package provider

import (
	"context"
	"sort"
)

// Driver is one provider's client: request shaping, transport, response
// parsing, error mapping, and cost attribution composed behind a single
// surface. Drivers are safe for concurrent use; each call is one blocking
// HTTP request (or one incrementally consumed streamed response).
type Driver interface {
	Name() string
	// Send performs a non-streaming completion call.
	Send(ctx context.Context, messages []Message, opts Options) (*Response, error)
	// SendStream performs a streaming call; the returned Stream terminates
	// at [DONE] or a terminal finish reason.
	SendStream(ctx context.Context, messages []Message, opts Options) (*Stream, error)
	// ListModels fetches the provider's model listing.
	ListModels(ctx context.Context) ([]Model, error)
	// ContextWindow reports the model's context length in tokens.
	ContextWindow(model string) int
	// EstimateSplitRatio is the provider's input share for pre-call cost
	// estimation; see the driver constants.
	EstimateSplitRatio() float64
}

type Registry struct {
	drivers map[string]Driver
}

func NewRegistry(drivers ...Driver) *Registry {
	registry := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, driver := range drivers {
		registry.drivers[driver.Name()] = driver
	}
	return registry
}

// Register adds or replaces a driver under its own name.
func (r *Registry) Register(driver Driver) {
	r.drivers[driver.Name()] = driver
}

func (r *Registry) Get(name string) (Driver, bool) {
	driver, ok := r.drivers[name]
	return driver, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
