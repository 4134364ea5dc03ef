// Package jobs holds the callables shipped with the engine.
package jobs

import (
	"taskengine/internal/registry"
	"taskengine/internal/store"
)

// Register adds the built-in callables to reg.
func Register(reg *registry.Registry, d store.Dialect) {
	r := routines{postgres: d == store.Postgres}

	reg.MustRegister("jobs:say_hello", SayHello)
	reg.MustRegister("jobs:slow_task", SlowTask)
	reg.MustRegister("jobs:run_db_routine", r.RunDBRoutine)
	reg.MustRegister("jobs:create_upcoming_mon_sensor_data_partitions", r.CreatePartitions)
	reg.MustRegister("shell:run", Shell)
	reg.MustRegister("http:request", HTTPRequest)
	reg.MustRegister("bus:publish", Publish)
}
