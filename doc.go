// Package tbus is a durable task and event bus backed by PostgreSQL.
//
// A process defines tasks (named units of work with a typed payload and a
// retry/expiry policy) and events (named, append-only messages). Worker
// processes share a logical queue name and cooperatively execute tasks
// addressed to it; events published by any participant are fanned out into
// tasks for every queue that subscribed a handler to the event name, via a
// per-queue cursor over the append-only event log.
//
// Coordination between processes is entirely database-mediated: row locks
// with SKIP LOCKED for task pickup and cursor ownership, a partial unique
// index for singleton tasks, and advisory locks for migrations and event
// commit ordering. There is no leader election and no push channel from the
// database; workers poll on an interval with debounced local wake-ups.
//
// Basic usage:
//
//	type GreetArgs struct {
//		Name string `json:"name"`
//	}
//
//	greet := tbus.NewTask[GreetArgs]("greet", "", nil)
//
//	bus, err := tbus.New(&tbus.Config{
//		DatabaseURL: os.Getenv("DATABASE_URL"),
//		Queue:       "svc-greeter",
//	})
//	if err != nil {
//		// handle error
//	}
//
//	err = tbus.RegisterTask(bus, greet, func(ctx context.Context, args GreetArgs, task *tbus.TaskContext) (any, error) {
//		return map[string]string{"greeting": "hello " + args.Name}, nil
//	})
//	if err != nil {
//		// handle error
//	}
//
//	if err := bus.Start(ctx); err != nil {
//		// handle error
//	}
//
//	msg, err := greet.From(GreetArgs{Name: "world"}, nil)
//	if err != nil {
//		// handle error
//	}
//	if err := bus.Send(ctx, msg); err != nil {
//		// handle error
//	}
//
// Handlers must be idempotent: a task may be invoked multiple times, up to
// its retry limit plus one (the initial attempt and each retry), plus one
// extra if a worker died mid-completion before the resolve batch flushed.
package tbus
