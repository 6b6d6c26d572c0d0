package executor

import "context"

// RegisterBuiltins adds the echo and noop executors.
func RegisterBuiltins(r *Registry) {
	// echo returns the task input, or its description when there is none.
	r.RegisterFunc("echo", func(ctx context.Context, req Request) (Result, error) {
		if len(req.Input) > 0 {
			return Result{Success: true, Result: req.Input}, nil
		}
		return Result{Success: true, Result: req.Description}, nil
	})

	r.RegisterFunc("noop", func(ctx context.Context, req Request) (Result, error) {
		return Result{Success: true}, nil
	})
}
