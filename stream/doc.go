// Package stream bridges blocking chunk producers onto asynchronous
// consumers.
//
// A Pool bounds how many producers run at once. When all slots are taken,
// new work waits for a free slot instead of failing. A Bridge starts one
// producer per Stream on the pool and forwards its chunks, in order, through
// a FIFO queue to the consuming task:
//
//	st, h := bridge.Stream(ctx, stream.Request{
//		TaskID:  id,
//		Signal:  task,
//		Produce: func(ctx context.Context) iter.Seq2[string, error] { return coder.RunStream(ctx, prompt) },
//		OnError: report,
//	})
//	for {
//		chunk, ok, err := st.Next(ctx)
//		if err != nil || !ok {
//			break
//		}
//		forward(chunk)
//	}
//
// Cancellation through the Handle or the task signal is best-effort: a
// producer blocked in a call that ignores its context keeps its slot until
// that call returns, but nothing it yields afterwards is forwarded.
package stream
