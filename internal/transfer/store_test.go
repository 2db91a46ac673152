package transfer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hitoshi/guildtransfer/internal/model"
)

// memStore はテスト用のインメモリ移行レコードストア。
// 終端状態のレコードへの更新はPostgres実装と同様に拒否する。
type memStore struct {
	mu        sync.Mutex
	records   map[string]*model.Transfer
	snapshots []model.Transfer // Update成功ごとのレコードのコピー
	updateFn  func(n int, u model.TransferUpdate) error
	updates   int
	createErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*model.Transfer)}
}

func (m *memStore) Create(ctx context.Context, t *model.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if t.ID == "" {
		t.ID = fmt.Sprintf("transfer-%d", len(m.records)+1)
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	t.Status = model.TransferStatusPending
	t.Results = []model.MemberOutcome{}
	cp := *t
	m.records[t.ID] = &cp
	return nil
}

func (m *memStore) FindByID(ctx context.Context, id string) (*model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	cp.Results = slices.Clone(t.Results)
	return &cp, nil
}

func (m *memStore) ListByUserID(ctx context.Context, userID string) ([]*model.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Transfer
	for _, t := range m.records {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *model.Transfer) int { return a.StartedAt.Compare(b.StartedAt) })
	return out, nil
}

func (m *memStore) Update(ctx context.Context, id string, u model.TransferUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.updates++
	if m.updateFn != nil {
		if err := m.updateFn(m.updates, u); err != nil {
			return err
		}
	}

	t, ok := m.records[id]
	if !ok {
		return errors.New("transfer not found")
	}
	if t.Status.IsTerminal() {
		return model.ErrTransferFinalized
	}
	if u.Status != nil {
		if !t.Status.CanTransitionTo(*u.Status) {
			return fmt.Errorf("invalid transition %s -> %s", t.Status, *u.Status)
		}
		t.Status = *u.Status
	}
	if u.TotalMembers != nil {
		t.TotalMembers = *u.TotalMembers
	}
	if u.SuccessCount != nil {
		t.SuccessCount = *u.SuccessCount
	}
	if u.SkippedCount != nil {
		t.SkippedCount = *u.SkippedCount
	}
	if u.FailedCount != nil {
		t.FailedCount = *u.FailedCount
	}
	if u.Results != nil {
		t.Results = slices.Clone(u.Results)
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.CompletedAt != nil {
		ts := *u.CompletedAt
		t.CompletedAt = &ts
	}

	cp := *t
	cp.Results = slices.Clone(t.Results)
	m.snapshots = append(m.snapshots, cp)
	return nil
}

func (m *memStore) get(id string) model.Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

// seed はpending状態のレコードを作成する。
func (m *memStore) seed(id string) {
	_ = m.Create(context.Background(), &model.Transfer{ID: id, UserID: "initiator"})
}
