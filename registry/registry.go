// Package registry implements the service-discovery contract a container
// consumes: advertise an installed service, resolve an iris://<type>
// address to a live peer endpoint, and list known services.
package registry

import (
	"context"
	"fmt"
	"strings"
)

// Instance resolves an abstract address (an iris://<service_type> scheme
// or a bare endpoint) to a connectable peer endpoint at send time.
type Instance interface {
	Endpoint(ctx context.Context) (string, error)
}

// Container is the subset of container capability the registry needs:
// enough to know its own endpoint for advertising itself.
type Container interface {
	Endpoint() string
	Identity() string
}

// Registry is the contract the container consumes.
type Registry interface {
	Install(c Container) error
	OnStart(ctx context.Context) error
	OnStop(ctx context.Context) error
	Register(ctx context.Context, c Container, serviceType string) error
	Get(ctx context.Context, c Container, serviceType string) (Instance, error)
	Discover(ctx context.Context, c Container) ([]string, error)
}

// literalInstance is used for addresses that are already a bare
// endpoint (not an iris:// service-type lookup).
type literalInstance struct{ endpoint string }

func (l literalInstance) Endpoint(ctx context.Context) (string, error) { return l.endpoint, nil }

// ParseAddress splits an address into (serviceType, isServiceLookup). A
// bare endpoint (e.g. "tcp://host:port") is not a lookup; the caller
// uses it as is rather than going through the registry.
func ParseAddress(address string) (serviceType string, isLookup bool) {
	const scheme = "iris://"
	if strings.HasPrefix(address, scheme) {
		return address[len(scheme):], true
	}
	return "", false
}

// Literal wraps a bare endpoint address as an Instance, bypassing the
// registry entirely. The container's lookup() does not use it: it
// returns a non-iris:// address string directly.
func Literal(endpoint string) Instance {
	return literalInstance{endpoint: endpoint}
}

// ErrUnknownServiceType is returned by Get when no instance is known for
// a service type.
func ErrUnknownServiceType(serviceType string) error {
	return fmt.Errorf("lookup failure: no instance for service type %q", serviceType)
}
