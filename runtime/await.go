package runtime

import "context"

// Awaitable is a value resolved by an await expression when the environment
// runs in async mode. Await receives the context the render runs under.
type Awaitable interface {
	Await(ctx context.Context) (interface{}, error)
}

// AwaitFunc adapts a function to Awaitable.
type AwaitFunc func(ctx context.Context) (interface{}, error)

func (f AwaitFunc) Await(ctx context.Context) (interface{}, error) {
	return f(ctx)
}

// await resolves value. Channels are received from until a value arrives or
// ctx is done; anything that is not awaitable is returned unchanged.
func await(ctx context.Context, value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case Awaitable:
		return v.Await(ctx)
	case <-chan interface{}:
		select {
		case result := <-v:
			return result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return value, nil
}
