package gocommand

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"
	glog "github.com/goliatone/go-logger/glog"

	callbackcommand "github.com/goliatone/go-callbacks/command"
	"github.com/goliatone/go-callbacks/core"
	callbackquery "github.com/goliatone/go-callbacks/query"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

type RegistryAdapter struct {
	registry *command.Registry
}

func NewRegistryAdapter(registry *command.Registry) *RegistryAdapter {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &RegistryAdapter{registry: registry}
}

func (a *RegistryAdapter) Registry() *command.Registry {
	if a == nil {
		return nil
	}
	return a.registry
}

func (a *RegistryAdapter) register(handler any) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.RegisterCommand(handler)
}

func (a *RegistryAdapter) AddResolver(key string, resolver command.Resolver) error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.AddResolver(strings.TrimSpace(key), resolver)
}

// AddQueueResolver mirrors registered commands into a go-job queue registry
// so callback commands can also run from background jobs.
func (a *RegistryAdapter) AddQueueResolver(key string, queueRegistry *jobqueuecommand.Registry) error {
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	return a.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

func (a *RegistryAdapter) HasResolver(key string) bool {
	if a == nil || a.registry == nil {
		return false
	}
	return a.registry.HasResolver(strings.TrimSpace(key))
}

func (a *RegistryAdapter) Initialize() error {
	if a == nil || a.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return a.registry.Initialize()
}

func Dispatch[T any](ctx context.Context, msg T) error {
	return commanddispatcher.Dispatch(ctx, msg)
}

func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	return commanddispatcher.Query[T, R](ctx, msg)
}

func RegisterAndSubscribe[T any](
	adapter *RegistryAdapter,
	cmd command.Commander[T],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := adapter.register(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func RegisterAndSubscribeQuery[T any, R any](
	adapter *RegistryAdapter,
	qry command.Querier[T, R],
	runnerOpts ...runner.Option,
) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	if adapter == nil || adapter.registry == nil {
		return nil, fmt.Errorf("gocommand: registry is not configured")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := adapter.register(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

// Dependencies selects which callback handlers get registered. Nil fields
// skip the handlers that need them.
type Dependencies struct {
	Service core.CallbackService
	Store   core.MetadataStore
	Source  core.MetadataSource
	Outbox  core.OutboxDispatcherRunner
	Logger  glog.Logger
	Runner  []runner.Option
}

// Subscriptions tracks dispatcher subscriptions made by RegisterCallbackHandlers.
type Subscriptions []commanddispatcher.Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
}

// RegisterCallbackHandlers registers and subscribes the callback command and
// query handlers. On error every subscription made so far is released.
func RegisterCallbackHandlers(adapter *RegistryAdapter, deps Dependencies) (Subscriptions, error) {
	var subs Subscriptions
	add := func(sub commanddispatcher.Subscription, err error) error {
		if err != nil {
			subs.Unsubscribe()
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	source := deps.Source
	if source == nil && deps.Store != nil {
		source = deps.Store
	}

	if deps.Service != nil {
		if err := add(RegisterAndSubscribe(adapter, command.Commander[callbackcommand.HandleExchangeMessage](callbackcommand.NewHandleExchangeCommand(deps.Service)), deps.Runner...)); err != nil {
			return nil, err
		}
		if err := add(RegisterAndSubscribe(adapter, command.Commander[callbackcommand.ResolveCallbackMessage](callbackcommand.NewResolveCallbackCommand(deps.Service)), deps.Runner...)); err != nil {
			return nil, err
		}
		if err := add(RegisterAndSubscribeQuery(adapter, command.Querier[callbackquery.CheckCallbackMessage, *core.CallbackObject](callbackquery.NewCheckCallbackQuery(deps.Service)), deps.Runner...)); err != nil {
			return nil, err
		}
	}
	if deps.Store != nil {
		if err := add(RegisterAndSubscribe(adapter, command.Commander[callbackcommand.RegisterCallbackMessage](callbackcommand.NewRegisterCallbackCommand(deps.Store)), deps.Runner...)); err != nil {
			return nil, err
		}
		if err := add(RegisterAndSubscribe(adapter, command.Commander[callbackcommand.UnregisterCallbackMessage](callbackcommand.NewUnregisterCallbackCommand(deps.Store)), deps.Runner...)); err != nil {
			return nil, err
		}
		if err := add(RegisterAndSubscribeQuery(adapter, command.Querier[callbackquery.ListCallbacksMessage, []core.CallbackMetadata](callbackquery.NewListCallbacksQuery(deps.Store)), deps.Runner...)); err != nil {
			return nil, err
		}
		if err := add(RegisterAndSubscribeQuery(adapter, command.Querier[callbackquery.CallbackSpecPatchMessage, map[string]any](callbackquery.NewCallbackSpecPatchQuery(deps.Store)), deps.Runner...)); err != nil {
			return nil, err
		}
	}
	if source != nil {
		if err := add(RegisterAndSubscribeQuery(adapter, command.Querier[callbackquery.GetCallbackMetadataMessage, core.CallbackMetadata](callbackquery.NewGetCallbackMetadataQuery(source)), deps.Runner...)); err != nil {
			return nil, err
		}
	}
	if deps.Outbox != nil {
		if err := add(RegisterAndSubscribe(adapter, command.Commander[callbackcommand.DispatchOutboxMessage](callbackcommand.NewDispatchOutboxCommand(deps.Outbox)), deps.Runner...)); err != nil {
			return nil, err
		}
	}
	if err := add(RegisterAndSubscribeQuery(adapter, command.Querier[callbackquery.EvaluateExpressionMessage, callbackquery.EvaluateExpressionResult](callbackquery.NewEvaluateExpressionQuery(deps.Logger)), deps.Runner...)); err != nil {
		return nil, err
	}
	return subs, nil
}
