package messaging

import "fmt"

// Binding is one row of a static listener table: the handler for event on every
// channel, or every pattern when Pattern is set, in Targets.
type Binding struct {
	Targets  []string
	Pattern  bool
	SkipSelf bool
	Event    string
	Handler  ListenerFunc
}

// Bind registers every binding in order. It stops at the first invalid row;
// rows before it stay registered.
func (m *Messenger) Bind(bindings ...Binding) error {
	for i, b := range bindings {
		if len(b.Targets) == 0 {
			return &ConfigurationError{
				Field:  fmt.Sprintf("bindings[%d].targets", i),
				Reason: "at least one channel or pattern is required",
			}
		}

		var opts []SubscribeOption
		if b.Pattern {
			opts = append(opts, AsPattern())
		}
		if b.SkipSelf {
			opts = append(opts, WithReplySkipSelf())
		}

		for _, target := range b.Targets {
			if err := m.Subscribe(target, b.Event, b.Handler, opts...); err != nil {
				return fmt.Errorf("binding %d (%s): %w", i, b.Event, err)
			}
		}
	}
	return nil
}
