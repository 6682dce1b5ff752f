// Package loop implements the serial event loop that owns all shared
// coordination state of PromptMesh.
//
// A Loop runs jobs one at a time on a dedicated goroutine. Any goroutine may
// hand a function to the loop and block for its result with Run or Do. A
// context handed to a job by the loop is marked, so nested calls made with
// that context run inline instead of deadlocking on the queue:
//
//	l := loop.New()
//	defer l.Close()
//
//	n, err := loop.Run(ctx, l, func(ctx context.Context) (int, error) {
//		// runs on the loop goroutine; loop.OnLoop(ctx) == true
//		return len(table), nil
//	})
//
// Failures inside a job (returned errors and panics) are logged and returned
// to the caller together with the zero value. They never crash the loop.
package loop
