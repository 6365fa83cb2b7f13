// Package worker runs the document pipeline behind an asynchronous message
// channel.
//
// A [MessageHandler] is one end of the channel. It sends one-way actions,
// promise actions that wait for a reply, and streams whose producer sends
// chunks only as fast as the consumer pulls them. Messages travel over a
// [Port]: an in-process [Pipe], or a [StreamPort] that frames them on a
// byte stream with an optional zstd payload.
//
// A [Worker] registers the document actions on the worker end:
//
//	w := worker.New(port, worker.Options{Logger: logger})
//	err := w.Serve(ctx)
//
// Long-running actions run as [Task]s tracked by a [Scheduler]. Terminate
// latches the worker, cancels the load and every network read, then
// terminates the tasks and waits for them, bounded by the terminate
// timeout.
package worker
