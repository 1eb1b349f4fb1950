package iteration

import (
	"context"

	"github.com/wehubfusion/conduit/pkg/dispatch"
	"github.com/wehubfusion/conduit/pkg/message"
)

// blockScope opens and closes sender blocks around windows of sequential
// items. Items are still sent one by one; the scope only brackets them.
// Without a block-enabled sender every call is a no-op.
type blockScope struct {
	sender  dispatch.BlockSender
	size    int
	key     func(item string) string
	session *message.Session

	open   bool
	handle interface{}
	items  int
	curKey string
}

func newBlockScope(inner dispatch.Sender, cfg Config, session *message.Session) *blockScope {
	b := &blockScope{size: cfg.BlockSize, key: cfg.BlockKey, session: session}
	if bs, ok := inner.(dispatch.BlockSender); ok {
		b.sender = bs
	}
	return b
}

// enter makes sure a block is open for item, closing the current one first
// when the block key changes. The returned context carries the handle.
func (b *blockScope) enter(ctx context.Context, item string) (context.Context, error) {
	if b.sender == nil {
		return ctx, nil
	}
	var k string
	if b.key != nil {
		k = b.key(item)
		if b.open && k != b.curKey {
			if err := b.close(ctx); err != nil {
				return ctx, err
			}
		}
	}
	if !b.open {
		h, err := b.sender.OpenBlock(ctx, b.session)
		if err != nil {
			return ctx, err
		}
		b.open, b.handle, b.items, b.curKey = true, h, 0, k
	}
	b.items++
	return dispatch.WithBlock(ctx, b.handle), nil
}

// sent closes the block once it holds size items
func (b *blockScope) sent(ctx context.Context) error {
	if b.open && b.size > 0 && b.items >= b.size {
		return b.close(ctx)
	}
	return nil
}

func (b *blockScope) close(ctx context.Context) error {
	if !b.open {
		return nil
	}
	b.open = false
	return b.sender.CloseBlock(ctx, b.handle, b.session)
}
