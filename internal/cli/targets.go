package cli

import (
	"context"
	"fmt"

	"github.com/rudransh-shrivastava/mead/internal/process"
)

// targets are the functions this binary can run as a remote process. The
// controller and the workers run the same binary, so they agree on names.
func targets() *process.Targets {
	t := process.NewTargets()
	t.Register("augment", augment)
	return t
}

// augment answers every integer read from args[0] with that integer plus
// one on args[1], count times.
func augment(ctx context.Context, args []any, kwargs map[string]any) error {
	in, err := process.RecvEndArg(args, 0)
	if err != nil {
		return err
	}
	out, err := process.SendEndArg(args, 1)
	if err != nil {
		return err
	}
	count, ok := toInt(kwargs["count"])
	if !ok {
		return fmt.Errorf("%w: count is %T", process.ErrBadArgument, kwargs["count"])
	}

	for i := 0; i < count; i++ {
		v, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		n, ok := toInt(v)
		if !ok {
			return fmt.Errorf("%w: got %T, want an integer", process.ErrBadArgument, v)
		}
		if err := out.Send(ctx, n+1); err != nil {
			return err
		}
	}
	return nil
}

// toInt accepts the integer shapes the codecs decode numbers into.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
