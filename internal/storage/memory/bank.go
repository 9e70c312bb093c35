package memory

import (
	"context"
	"sort"
	"time"

	interfaces "github.com/sheikh-saqib/property-ledger-core/internal/interfaces"
	"github.com/sheikh-saqib/property-ledger-core/internal/models"
)

// ListRules returns rules for a category; an empty category lists all.
func (m *Store) ListRules(ctx context.Context, category string) ([]models.ComplianceRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.ComplianceRule
	for _, r := range m.rules {
		if category != "" && r.Category != category {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Store) UpsertRule(ctx context.Context, rule models.ComplianceRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rules[rule.ID] = rule
	return nil
}

func (m *Store) SaveBankTransaction(ctx context.Context, tx models.BankTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bankTxs[tx.ExternalID]; exists {
		return false, nil
	}
	m.bankTxs[tx.ExternalID] = tx
	return true, nil
}

func (m *Store) GetBankTransaction(ctx context.Context, externalID string) (models.BankTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.bankTxs[externalID]
	if !ok {
		return models.BankTransaction{}, models.NotFound("bank transaction", externalID)
	}
	return tx, nil
}

func (m *Store) ListBankTransactions(ctx context.Context, filter interfaces.BankFilter) ([]models.BankTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.BankTransaction
	for _, tx := range m.bankTxs {
		if filter.BankAccountID != "" && tx.BankAccountID != filter.BankAccountID {
			continue
		}
		if filter.PropertyID != "" && tx.PropertyID != filter.PropertyID {
			continue
		}
		if filter.UnmatchedOnly && tx.Matched() {
			continue
		}
		if !inDateRange(tx.Date, filter.From, filter.To) {
			continue
		}
		result = append(result, tx)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		return result[i].ExternalID < result[j].ExternalID
	})
	return result, nil
}

func (m *Store) SetBankMatch(ctx context.Context, externalID string, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.bankTxs[externalID]
	if !ok {
		return models.NotFound("bank transaction", externalID)
	}
	tx.MatchedEntryID = entryID
	m.bankTxs[externalID] = tx
	return nil
}

func (m *Store) SaveAlert(ctx context.Context, alert models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts[alert.ID] = alert
	return nil
}

func (m *Store) ListOpenAlerts(ctx context.Context) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Alert
	for _, a := range m.alerts {
		if a.ResolvedAt == nil {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DetectedAt.Before(result[j].DetectedAt) })
	return result, nil
}

func (m *Store) ResolveAlert(ctx context.Context, id string, resolvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return models.NotFound("alert", id)
	}
	resolved := at
	a.ResolvedAt = &resolved
	a.ResolvedBy = resolvedBy
	m.alerts[id] = a
	return nil
}
