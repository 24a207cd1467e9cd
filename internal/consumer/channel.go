package consumer

import "context"

// Channel is an in-process event source. Publishers hand payloads to
// Publish; Run moves them into the sink until the context ends or the
// channel closes.
type Channel struct {
	ch chan string
}

// NewChannel builds a channel consumer with the given buffer depth.
func NewChannel(buffer int) *Channel {
	if buffer < 0 {
		buffer = 0
	}
	return &Channel{ch: make(chan string, buffer)}
}

// Publish queues one payload, blocking while the buffer is full.
func (c *Channel) Publish(ctx context.Context, payload string) error {
	select {
	case c.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops Run after the buffered payloads drain.
func (c *Channel) Close() {
	close(c.ch)
}

// Run delivers published payloads into the sink.
func (c *Channel) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case payload, ok := <-c.ch:
			if !ok {
				return nil
			}
			if _, err := sink.Submit(ctx, payload); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
