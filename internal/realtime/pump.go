package realtime

import "context"

// Pump decodes frames from src into q until the source stops. Frames that fail
// to decode are dropped by the reducer's decoder.
func Pump(ctx context.Context, src Source, r *Reducer, q *Queue) error {
	return src.Stream(ctx, func(frame []byte) {
		ev, ok := r.Decode(frame)
		if !ok {
			return
		}
		q.Enqueue(ctx, ev)
	})
}
