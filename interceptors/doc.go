// Package interceptors wraps messaging listeners with cross-cutting behavior.
//
// An Interceptor sees every Delivery before the listener does and decides
// whether, and how, to pass it on. A Chain composes interceptors around a
// messaging.ListenerFunc:
//
//	chain := interceptors.NewChainBuilder(logger).
//		WithLogging().
//		WithTimeout(5 * time.Second).
//		WithFilter(interceptors.NewEventFilter("ping"), interceptors.SkipSilently).
//		Build()
//
//	err := messenger.Subscribe("orders", "ping", chain.Then(handler))
//
// Interceptors run in the order they were added; the listener runs last.
package interceptors
