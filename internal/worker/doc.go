// Package worker starts the agent-driver process behind each session.
//
// Every spawner satisfies types.Spawner: Spawn returns once the worker is
// running, and the returned channel yields exactly one value when it exits
// (nil on success) before being closed.
package worker

import "github.com/user/toolrelay/internal/types"

var (
	_ types.Spawner = (*ProcessSpawner)(nil)
	_ types.Spawner = FuncSpawner(nil)
	_ types.Spawner = (*Limited)(nil)
	_ types.Spawner = (*Router)(nil)
)
