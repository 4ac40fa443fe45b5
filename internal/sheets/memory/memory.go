package memory

import (
	"context"
	"fmt"
	"sync"

	"bilancio/internal/core"
	"bilancio/internal/sheets"
)

// Mirror is an in-process TransactionMirror. Rows keep their position once
// written; removed rows are left empty the way a cleared sheet row is.
type Mirror struct {
	mu   sync.Mutex
	rows [][]any
	byID map[string]int
}

var _ sheets.TransactionMirror = (*Mirror)(nil)

func New() *Mirror {
	return &Mirror{byID: make(map[string]int)}
}

func (m *Mirror) UpsertTransaction(_ context.Context, tx core.Transaction) (string, error) {
	if tx.ID == "" {
		return "", fmt.Errorf("transaction without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row := sheets.Row(tx)
	idx, ok := m.byID[tx.ID]
	if ok {
		m.rows[idx] = row
	} else {
		m.rows = append(m.rows, row)
		idx = len(m.rows) - 1
		m.byID[tx.ID] = idx
	}
	return fmt.Sprintf("mem!A%d", idx+1), nil
}

func (m *Mirror) RemoveTransaction(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, ok := m.byID[id]; ok {
		m.rows[idx] = nil
		delete(m.byID, id)
	}
	return nil
}

// Rows returns a copy of the non-empty rows in sheet order.
func (m *Mirror) Rows() [][]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]any, 0, len(m.rows))
	for _, r := range m.rows {
		if r != nil {
			out = append(out, append([]any(nil), r...))
		}
	}
	return out
}
