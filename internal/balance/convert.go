package balance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/regentmm/regent/internal/page"
	"github.com/regentmm/regent/pkg/observability"
	"github.com/regentmm/regent/pkg/sizeclass"
)

// convert executes a decided conversion. The five-step order is load-bearing:
// unmap before free (freeing still-mapped memory is undefined), free before
// create (debtor pages must draw from the bytes the loaners give back, which
// is what conserves cache capacity), create before map, map before insert (an
// inserted but unmapped page would be allocatable before it is usable).
//
// Only the free and create steps take the allocator lock, one short section
// per page, so concurrent allocation is blocked per page rather than for the
// whole migration. Unmap and map need no lock: the batches are owned by this
// invocation alone.
func (b *Balancer) convert(p plan) {
	b.unmapLoaners(&p.loaners)
	b.freeLoaners(&p.loaners)

	debtors := b.createDebtors(p.debtorClass, p.debtorCount)
	b.mapDebtors(&debtors)
	b.insertDebtors(&debtors)

	b.metrics.BalanceOps.Add(context.Background(), 1,
		observability.WithOutcome(observability.OutcomeConverted))
	b.metrics.PagesConverted.Add(context.Background(), int64(p.debtorCount),
		observability.WithClass(p.debtorClass.String()))
	b.logger.Info("converted cached pages",
		slog.Uint64("loaned", p.loanerCount),
		slog.String("loaner_class", p.loanerClass.String()),
		slog.Uint64("created", p.debtorCount),
		slog.String("debtor_class", p.debtorClass.String()))
}

// unmapLoaners removes each loaned page's virtual-to-physical mapping.
func (b *Balancer) unmapLoaners(loaners *page.List) {
	loaners.Each(func(p *page.Page) {
		b.allocator.UnmapPage(p)
	})
}

// freeLoaners returns each loaned page's physical memory to the free pool and
// retires the page object, one short lock section per page.
func (b *Balancer) freeLoaners(loaners *page.List) {
	for !loaners.IsEmpty() {
		p := loaners.RemoveFirst()

		b.allocator.Lock()
		b.allocator.FreePhysical(p)
		b.allocator.Unlock()
	}
}

// createDebtors builds count fresh pages of the debtor class from the bytes
// the loaners freed, one short lock section per page. The loaned bytes cover
// the debtor bytes exactly, so a creation failure here means the conversion's
// own accounting is inconsistent.
func (b *Balancer) createDebtors(class sizeclass.Class, count uint64) page.List {
	var (
		debtors page.List
		size    = b.allocator.Sizes().Of(class)
	)

	for range count {
		b.allocator.Lock()

		p, err := b.allocator.CreatePage(class)
		if err != nil {
			panic(fmt.Sprintf("balance: creating %s debtor page from freed loaner bytes: %v", class, err))
		}

		b.allocator.IncreaseUsed(size, false)
		b.allocator.Unlock()

		debtors.Append(p)
	}

	return debtors
}

// mapDebtors establishes each fresh page's mapping. A page that is already
// mapped right after creation is a fatal assertion inside MapPage.
func (b *Balancer) mapDebtors(debtors *page.List) {
	debtors.Each(func(p *page.Page) {
		b.allocator.MapPage(p)
	})
}

// insertDebtors resets each mapped debtor page, registers it in the live
// page table, and releases it through the normal release path. The reclaimed
// flag stays false so collection statistics are not polluted by pages that
// never held live objects.
func (b *Balancer) insertDebtors(debtors *page.List) {
	for !debtors.IsEmpty() {
		p := debtors.RemoveFirst()

		p.Reset()
		b.table.Insert(p)
		b.allocator.ReleasePage(p, false)
	}
}
