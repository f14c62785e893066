package browser

import "context"

// CombineContext derives a context from ctx1, which carries the CDP target
// values, that is also canceled when ctx2 (the operational context) is done.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)
	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()
	return combinedCtx, cancel
}
