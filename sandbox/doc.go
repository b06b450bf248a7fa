// Package sandbox runs untrusted executables in a fixed pool of isolated boxes.
//
// A Manager accepts concurrent execution requests. Each request waits for a
// box from the BoxPool, which never hands the same box id to two executions
// at once and fails with ErrPoolExhausted when none frees up in time. The box
// is then driven through configure, run, collect and clean steps against an
// Isolator (the isolate binary in production, LocalBackend for development),
// and the raw outcome is mapped to a Verdict by Classify.
//
// Resource and runtime outcomes (time, memory and output limits, signals,
// non-zero exits) are returned in Result.Verdict. Errors are reserved for
// infrastructure faults, which match ErrSandboxSetup, and for cancellation.
//
// Usage:
//
//	pool, _ := sandbox.NewBoxPool(logger, 0, 4, 30*time.Second)
//	backend := sandbox.NewIsolateBackend(logger, "/usr/local/bin/isolate", "metadata")
//	manager := sandbox.NewManager(logger, backend, pool, defaults)
//	res, err := manager.Execute(ctx, sandbox.Request{
//	    Executable: "/srv/build/solution",
//	    StdinData:  []byte("1 2\n"),
//	    Limits:     sandbox.Limits{WallTime: 2 * time.Second, CPUTime: time.Second},
//	})
package sandbox
