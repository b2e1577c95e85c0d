package resource

import "context"

// Hooks lets a resource kind take part in the engine's write pipeline. Every
// method runs inside the write's transaction; an error rolls the write back.
type Hooks interface {
	// BeforeWrite runs before anything is stored.
	BeforeWrite(ctx context.Context, w *Write) error
	// AfterCreate runs once, after the first version of a resource is stored.
	AfterCreate(ctx context.Context, e *Entity) error
	// AfterWrite runs after every stored version, including deletions.
	AfterWrite(ctx context.Context, e *Entity) error
}

// NopHooks is the handler for resource kinds with no extra behavior.
type NopHooks struct{}

func (NopHooks) BeforeWrite(context.Context, *Write) error  { return nil }
func (NopHooks) AfterCreate(context.Context, *Entity) error { return nil }
func (NopHooks) AfterWrite(context.Context, *Entity) error  { return nil }

// TxRunner runs fn inside a transaction, committing when fn returns nil.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
