package interceptor

import (
	"context"

	"google.golang.org/grpc"
)

// LimitInterceptor is a gRPC client interceptor that bounds the number of
// in-flight RPCs on a connection. Checkpoint writes from many concurrent
// migration units share one Spanner client through it.
type LimitInterceptor struct {
	slots chan struct{}
}

// NewLimitInterceptor creates a new LimitInterceptor allowing up to limit concurrent RPCs.
// A limit below 1 is treated as 1.
func NewLimitInterceptor(limit int) *LimitInterceptor {
	if limit < 1 {
		limit = 1
	}
	return &LimitInterceptor{
		slots: make(chan struct{}, limit),
	}
}

func (li *LimitInterceptor) acquire(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	select {
	case li.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (li *LimitInterceptor) release() {
	<-li.slots
}

// InFlight returns the number of RPCs currently holding a slot.
func (li *LimitInterceptor) InFlight() int {
	return len(li.slots)
}

// UnaryInterceptor waits for a free slot, or for ctx to be done, before invoking the RPC.
func (li *LimitInterceptor) UnaryInterceptor(
	ctx context.Context,
	method string,
	req, reply interface{},
	cc *grpc.ClientConn,
	invoker grpc.UnaryInvoker,
	opts ...grpc.CallOption,
) error {
	if err := li.acquire(ctx); err != nil {
		return err
	}
	defer li.release()

	return invoker(ctx, method, req, reply, cc, opts...)
}

// StreamInterceptor holds a slot while the stream is being established.
func (li *LimitInterceptor) StreamInterceptor(
	ctx context.Context,
	desc *grpc.StreamDesc,
	cc *grpc.ClientConn,
	method string,
	streamer grpc.Streamer,
	opts ...grpc.CallOption,
) (grpc.ClientStream, error) {
	if err := li.acquire(ctx); err != nil {
		return nil, err
	}
	defer li.release()

	return streamer(ctx, desc, cc, method, opts...)
}

// DialOptions returns the dial options installing both interceptors.
func (li *LimitInterceptor) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithChainUnaryInterceptor(li.UnaryInterceptor),
		grpc.WithChainStreamInterceptor(li.StreamInterceptor),
	}
}
