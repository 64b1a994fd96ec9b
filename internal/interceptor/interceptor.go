package interceptor

import "time"

// MalwareBlockedEvent is emitted exactly once per block decision.
type MalwareBlockedEvent struct {
	PackageName     string
	Version         string
	TargetURL       string
	TimestampMillis int64
}

// SetupFunc populates a fresh Context for one request. It may call
// ctx.BlockMalware, ctx.ModifyRequestHeaders, and ctx.ModifyBody any
// number of times; the framework combines whatever was registered into
// the built Handler.
type SetupFunc func(ctx *Context)

// Interceptor produces a Handler for each request it is asked about and
// publishes a malwareBlocked event for every block decision. Interceptors
// are stateless across requests — all per-request state lives in the
// Context built fresh for each call.
type Interceptor struct {
	setup  SetupFunc
	events chan MalwareBlockedEvent
}

// New wraps setup as an Interceptor. events has a small buffer so a
// slow consumer cannot stall request handling; publishing never blocks.
func New(setup SetupFunc) *Interceptor {
	return &Interceptor{
		setup:  setup,
		events: make(chan MalwareBlockedEvent, 64),
	}
}

// HandleRequest builds a Handler for targetURL by running the setup
// chain against a fresh Context.
func (i *Interceptor) HandleRequest(targetURL string) *Handler {
	ctx := &Context{targetURL: targetURL}
	ctx.onBlock = func(name, version string) {
		i.publish(MalwareBlockedEvent{
			PackageName:     name,
			Version:         version,
			TargetURL:       targetURL,
			TimestampMillis: time.Now().UnixMilli(),
		})
	}
	i.setup(ctx)
	return ctx.Build()
}

// Events returns the channel malwareBlocked events are published on.
func (i *Interceptor) Events() <-chan MalwareBlockedEvent {
	return i.events
}

func (i *Interceptor) publish(ev MalwareBlockedEvent) {
	select {
	case i.events <- ev:
	default:
		// Buffer full: the controller's consumer is falling behind. The
		// block still took effect on the wire; only the aggregate log
		// entry is lost, which is an acceptable trade against blocking
		// the request path.
	}
}
