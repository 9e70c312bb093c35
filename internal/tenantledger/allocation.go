package tenantledger

import (
	"sort"
	"strings"

	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// TieBreak orders charges of the same category and due date.
type TieBreak string

const (
	TieBreakChargeID  TieBreak = "charge_id"
	TieBreakCreatedAt TieBreak = "created_at"
)

// AllocationPolicy decides which open charges a payment pays first.
type AllocationPolicy struct {
	Priority []models.ChargeCategory
	TieBreak TieBreak
}

// DefaultPolicy is rent first, oldest due date first within a category.
func DefaultPolicy() AllocationPolicy {
	return AllocationPolicy{Priority: models.DefaultAllocationPriority, TieBreak: TieBreakCreatedAt}
}

// ParsePriority reads a comma separated category list such as
// "rent,fees,utilities". Categories missing from the list keep their default
// relative order after the listed ones.
func ParsePriority(list string) []models.ChargeCategory {
	var out []models.ChargeCategory
	seen := make(map[models.ChargeCategory]bool)
	for _, part := range strings.Split(list, ",") {
		c := models.ChargeCategory(strings.TrimSpace(strings.ToLower(part)))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	for _, c := range models.DefaultAllocationPriority {
		if !seen[c] {
			out = append(out, c)
		}
	}
	return out
}

func (p AllocationPolicy) rank(c models.ChargeCategory) int {
	for i, cat := range p.Priority {
		if cat == c {
			return i
		}
	}
	return len(p.Priority)
}

// Order sorts charges in allocation order.
func (p AllocationPolicy) Order(charges []models.Charge) {
	sort.SliceStable(charges, func(i, j int) bool {
		a, b := charges[i], charges[j]
		if ra, rb := p.rank(a.Category), p.rank(b.Category); ra != rb {
			return ra < rb
		}
		if !a.DueDate.Equal(b.DueDate) {
			return a.DueDate.Before(b.DueDate)
		}
		if p.TieBreak == TieBreakCreatedAt && !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// Allocation is how a payment amount spreads across open charges.
type Allocation struct {
	Applications []models.ChargeApplication `json:"applications"`
	Unapplied    int64                      `json:"unapplied"`
}

// Applied is the amount landing on charges.
func (a Allocation) Applied() int64 {
	var total int64
	for _, app := range a.Applications {
		total += app.Amount
	}
	return total
}

// Allocate spreads amount over charges in policy order. Anything left over
// is unapplied credit.
func (p AllocationPolicy) Allocate(paymentID string, charges []models.Charge, amount int64) Allocation {
	ordered := append([]models.Charge(nil), charges...)
	p.Order(ordered)

	remaining := amount
	var apps []models.ChargeApplication
	for _, c := range ordered {
		if remaining == 0 {
			break
		}
		due := c.Outstanding()
		if due <= 0 || c.Status == models.ChargeVoid {
			continue
		}
		applied := min(due, remaining)
		apps = append(apps, models.ChargeApplication{
			PaymentID:  paymentID,
			ChargeID:   c.ID,
			PropertyID: c.PropertyID,
			UnitID:     c.UnitID,
			Category:   c.Category,
			Amount:     applied,
		})
		remaining -= applied
	}
	return Allocation{Applications: apps, Unapplied: remaining}
}
