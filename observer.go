package meshbus

import "github.com/trickstertwo/xlog"

// Observer receives bus lifecycle events. Implementations should be
// non-blocking; the pool dispatches them off the critical path.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits Events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("path", e.Path),
		xlog.Str("group", e.Group),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("message_name", e.MessageName),
	)
	switch e.Type {
	case EventError, EventNack, EventRequestTimeout:
		ev.Warn().Err(e.Err).Msg("meshbus event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("meshbus event")
	}
}
