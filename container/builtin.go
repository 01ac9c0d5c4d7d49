package container

import (
	"context"

	"github.com/oakmesh/iris/channel"
	"github.com/oakmesh/iris/events"
)

// irisService answers the built-in "iris.ping" smoke-test RPC every
// container exposes, matching original_source/iris/core/container.py's
// Ping() sending to the literal address "iris.ping" regardless of which
// application services are installed.
type irisService struct{}

func (irisService) ServiceType() string                              { return "iris" }
func (irisService) OnStart(ctx context.Context) error                 { return nil }
func (irisService) OnStop(ctx context.Context) error                  { return nil }
func (irisService) OnConnect(ctx context.Context, endpoint string)    {}
func (irisService) OnDisconnect(ctx context.Context, endpoint string) {}
func (irisService) Configure(settings map[string]interface{}) error  { return nil }
func (irisService) EventSubscriptions() []EventSubscription          { return nil }
func (irisService) DispatchEvent(ctx context.Context, ev events.Event) bool { return false }
func (irisService) RegisterWithCoordinator() bool                    { return false }
func (irisService) Stats() map[string]interface{}                    { return nil }

func (irisService) HandleRequest(ctx context.Context, method string, ch *channel.RequestChannel) error {
	if method != "ping" {
		return ch.Nack(ctx, false)
	}
	return ch.Reply(ctx, ch.Msg.Body)
}
