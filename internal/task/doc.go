// Package task provides the scheduled task primitive used by the hub core.
//
// A Task wraps a unit of work and runs it once or repeatedly at a fixed
// interval. The bus uses a repeating task for its subscription purge cycle,
// and the resource arbiter uses run-once tasks to deliver callbacks on their
// own goroutine, never on the goroutine that changed arbiter state.
//
// Errors returned by the work and panics raised inside it are logged and
// swallowed. They never stop a repeating task.
//
// Example usage:
//
//	purge := task.New(b.purge, task.Config{
//	    Name:     "bus-purge",
//	    Interval: time.Minute,
//	    Logger:   logger,
//	})
//	if err := purge.Start(); err != nil {
//	    return err
//	}
//	defer purge.Stop()
//
// Time is read through github.com/benbjohnson/clock so tests can drive
// repeating tasks with clock.NewMock().
package task
