package ledger

import (
	"github.com/transfa/gas-sponsor-service/internal/domain"
)

// allocateFIFO plans how amount is drawn from payments, which must already be
// ordered oldest first. It never mutates payments. When the total is short it
// returns an InsufficientCreditError and no plan.
func allocateFIFO(payments []*domain.Payment, amount uint64) ([]domain.CreditAllocation, uint64, error) {
	var available uint64
	for _, p := range payments {
		available += p.CreditRemaining
	}
	if available < amount {
		return nil, available, &domain.InsufficientCreditError{Requested: amount, Available: available}
	}

	plan := make([]domain.CreditAllocation, 0, 2)
	outstanding := amount
	for _, p := range payments {
		if outstanding == 0 {
			break
		}
		if p.CreditRemaining == 0 {
			continue
		}
		take := p.CreditRemaining
		if take > outstanding {
			take = outstanding
		}
		plan = append(plan, domain.CreditAllocation{PaymentID: p.ID, Amount: take})
		outstanding -= take
	}
	return plan, available - amount, nil
}
