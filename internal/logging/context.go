package logging

import "context"

type slotKey struct{}

func withUserSlot(ctx context.Context, slot *int64) context.Context {
	return context.WithValue(ctx, slotKey{}, slot)
}

func userSlot(ctx context.Context) *int64 {
	slot, _ := ctx.Value(slotKey{}).(*int64)
	return slot
}
