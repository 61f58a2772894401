package session

import (
	"context"

	"inapi/internal/protocol"
)

// Call sends op with args, hands every intermediate frame to fn (which
// may be nil) and decodes the terminal body into result.
func Call(ctx context.Context, ex Executor, op protocol.Op,
	args interface{ Encode(*protocol.Writer) },
	result interface{ Decode(*protocol.Reader) },
	fn func(Frame),
) error {
	b, err := protocol.Marshal(args)
	if err != nil {
		return err
	}
	st, err := ex.Execute(ctx, op, b)
	if err != nil {
		return err
	}
	body, err := st.Wait(ctx, fn)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return protocol.Unmarshal(body, result)
}
