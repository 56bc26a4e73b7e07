package keyreader

import (
	"context"
	"time"
)

// Watch starts polling r in the background and returns a channel delivering
// every keypress observed until ctx is cancelled. Workers never touch the
// terminal (spec §9 "Key input"); only this goroutine, owned by the engine
// process, does.
func Watch(ctx context.Context, r *Reader) <-chan byte {
	out := make(chan byte, 8)
	go func() {
		defer close(out)
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if key, ok := r.Poll(); ok {
					select {
					case out <- key:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
