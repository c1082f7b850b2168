package fault

import (
	"go.uber.org/zap"

	"github.com/lazymem/lazymem/internal/ledger"
	"github.com/lazymem/lazymem/internal/protect"
	"github.com/lazymem/lazymem/internal/resolve"
)

// softBackend tracks access purely in the ledger. There is no hardware
// protection and therefore no fault to intercept: the accessors check page
// state up front and drive the resolver directly, with the real access kind.
type softBackend struct {
	logger *zap.Logger
}

func newSoftBackend(logger *zap.Logger) Backend {
	return &softBackend{logger: logger}
}

func (b *softBackend) Name() Kind {
	return KindSoft
}

func (b *softBackend) Setup(ctx *resolve.Context) error {
	region := protect.NewSoft(ctx.Layout.RegionSize)
	ctx.Region = region
	ctx.Prot = protect.NewSoftProtector(region, ctx.Layout.AccessPageSize)
	return nil
}

func (b *softBackend) Teardown(*resolve.Context) error {
	return nil
}

func (b *softBackend) Read(ctx *resolve.Context, off uint64, dst []byte) error {
	if err := b.resolveSpan(ctx, off, len(dst), resolve.AccessRead); err != nil {
		return err
	}
	copy(dst, ctx.Region.Bytes()[off:off+uint64(len(dst))])
	return nil
}

func (b *softBackend) Write(ctx *resolve.Context, off uint64, src []byte) error {
	if err := b.resolveSpan(ctx, off, len(src), resolve.AccessWrite); err != nil {
		return err
	}
	copy(ctx.Region.Bytes()[off:off+uint64(len(src))], src)
	return nil
}

// resolveSpan brings every page covered by [off, off+length) into a state
// that permits the access, mimicking the per-page faults hardware would
// raise.
func (b *softBackend) resolveSpan(ctx *resolve.Context, off uint64, length int, kind resolve.AccessKind) error {
	if err := checkRange(ctx, off, length, kind); err != nil {
		return err
	}
	if err := ctx.AbortErr(); err != nil {
		return err
	}
	first, last, ok := ctx.Layout.PageSpan(off, uint64(length))
	if !ok {
		return nil
	}
	for page := first; page <= last; page++ {
		state := ctx.Ledger.State(page)
		if state == ledger.StateWritten {
			continue
		}
		if state == ledger.StateLoaded && kind == resolve.AccessRead {
			continue
		}
		if err := resolve.Resolve(ctx, ctx.Layout.OffsetOfPage(page), kind); err != nil {
			return err
		}
	}
	return nil
}
