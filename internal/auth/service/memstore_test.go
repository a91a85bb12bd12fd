package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	accountdomain "credential-core/backend/internal/account/domain"
	accountrepo "credential-core/backend/internal/account/repository"
	sessiondomain "credential-core/backend/internal/session/domain"
)

// memStore is an in-memory account and session store. Transactions are serialized and
// roll back by restoring a snapshot; writes outside a transaction also take txMu so a
// rollback never discards them.
type memStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts map[string]accountdomain.Account
	terms    []accountdomain.TermsAcceptance
	sessions map[string]sessiondomain.Session
	seq      int

	// hideEmails makes GetByEmail miss every row while Create still enforces uniqueness.
	hideEmails bool

	// failOn makes the named operation ("sessions.Create", "accounts.Create", ...) return the error.
	failOn map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]accountdomain.Account),
		sessions: make(map[string]sessiondomain.Session),
		failOn:   make(map[string]error),
	}
}

func (st *memStore) fail(op string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failOn[op]
}

func (st *memStore) setFail(op string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failOn[op] = err
}

func (st *memStore) repos(inTx bool) Repos {
	return Repos{
		Accounts: &memAccounts{st: st, inTx: inTx},
		Sessions: &memSessions{st: st, inTx: inTx},
	}
}

func (st *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	st.txMu.Lock()
	defer st.txMu.Unlock()

	st.mu.Lock()
	accounts := make(map[string]accountdomain.Account, len(st.accounts))
	for k, v := range st.accounts {
		accounts[k] = v
	}
	sessions := make(map[string]sessiondomain.Session, len(st.sessions))
	for k, v := range st.sessions {
		sessions[k] = v
	}
	terms := append([]accountdomain.TermsAcceptance(nil), st.terms...)
	st.mu.Unlock()

	if err := fn(ctx, st.repos(true)); err != nil {
		st.mu.Lock()
		st.accounts, st.sessions, st.terms = accounts, sessions, terms
		st.mu.Unlock()
		return err
	}
	return nil
}

func (st *memStore) autocommit(inTx bool) func() {
	if inTx {
		return func() {}
	}
	st.txMu.Lock()
	return st.txMu.Unlock
}

// live returns the account's live sessions at now, newest first.
func (st *memStore) live(accountID string, now time.Time) []sessiondomain.Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []sessiondomain.Session
	for _, s := range st.sessions {
		if s.AccountID == accountID && s.IsLive(now) {
			out = append(out, s)
		}
	}
	sortNewestFirst(out)
	return out
}

func (st *memStore) session(id string) (sessiondomain.Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

func (st *memStore) counts() (accounts, sessions, terms int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.accounts), len(st.sessions), len(st.terms)
}

func sortNewestFirst(ss []sessiondomain.Session) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].CreatedAt.Equal(ss[j].CreatedAt) {
			return ss[i].CreatedAt.After(ss[j].CreatedAt)
		}
		return ss[i].ID > ss[j].ID
	})
}

type memAccounts struct {
	st   *memStore
	inTx bool
}

func (r *memAccounts) GetByID(ctx context.Context, id string) (*accountdomain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *memAccounts) GetByEmail(ctx context.Context, email string) (*accountdomain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	email = accountdomain.NormalizeEmail(email)
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if r.st.hideEmails {
		return nil, nil
	}
	for _, a := range r.st.accounts {
		if a.Email == email {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (r *memAccounts) Create(ctx context.Context, a *accountdomain.Account) error {
	defer r.st.autocommit(r.inTx)()
	if err := r.st.fail("accounts.Create"); err != nil {
		return err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, existing := range r.st.accounts {
		if existing.Email == a.Email {
			return accountrepo.ErrDuplicateEmail
		}
	}
	r.st.accounts[a.ID] = *a
	return nil
}

func (r *memAccounts) RecordTermsAcceptance(ctx context.Context, t *accountdomain.TermsAcceptance) error {
	defer r.st.autocommit(r.inTx)()
	if err := r.st.fail("accounts.RecordTermsAcceptance"); err != nil {
		return err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	r.st.terms = append(r.st.terms, *t)
	return nil
}

type memSessions struct {
	st   *memStore
	inTx bool
}

func (r *memSessions) FindLive(ctx context.Context, accountID string, limit int, now time.Time) ([]*sessiondomain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.st.fail("sessions.FindLive"); err != nil {
		return nil, err
	}
	live := r.st.live(accountID, now)
	if limit > 0 && len(live) > limit {
		live = live[:limit]
	}
	out := make([]*sessiondomain.Session, len(live))
	for i := range live {
		out[i] = &live[i]
	}
	return out, nil
}

func (r *memSessions) Create(ctx context.Context, s *sessiondomain.Session) (string, error) {
	defer r.st.autocommit(r.inTx)()
	if err := r.st.fail("sessions.Create"); err != nil {
		return "", err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	if s.ID == "" {
		r.st.seq++
		s.ID = fmt.Sprintf("s%06d", r.st.seq)
	}
	r.st.sessions[s.ID] = *s
	return s.ID, nil
}

func (r *memSessions) Revoke(ctx context.Context, id string, now time.Time) (bool, error) {
	defer r.st.autocommit(r.inTx)()
	if err := r.st.fail("sessions.Revoke"); err != nil {
		return false, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	s, ok := r.st.sessions[id]
	if !ok || !s.IsLive(now) {
		return false, nil
	}
	s.RevokedAt = &now
	r.st.sessions[id] = s
	return true, nil
}

func (r *memSessions) revokeWhere(now time.Time, match func(sessiondomain.Session) bool) int64 {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for id, s := range r.st.sessions {
		if s.IsLive(now) && match(s) {
			at := now
			s.RevokedAt = &at
			r.st.sessions[id] = s
			n++
		}
	}
	return n
}

func (r *memSessions) RevokeAllForAccount(ctx context.Context, accountID string, now time.Time) (int64, error) {
	defer r.st.autocommit(r.inTx)()
	if err := r.st.fail("sessions.RevokeAllForAccount"); err != nil {
		return 0, err
	}
	return r.revokeWhere(now, func(s sessiondomain.Session) bool { return s.AccountID == accountID }), nil
}

func (r *memSessions) RevokeByDevice(ctx context.Context, accountID, deviceID string, now time.Time) (int64, error) {
	defer r.st.autocommit(r.inTx)()
	return r.revokeWhere(now, func(s sessiondomain.Session) bool {
		return s.AccountID == accountID && s.DeviceID == deviceID
	}), nil
}

func (r *memSessions) PruneLive(ctx context.Context, accountID string, keep int, now time.Time) (int64, error) {
	defer r.st.autocommit(r.inTx)()
	if err := r.st.fail("sessions.PruneLive"); err != nil {
		return 0, err
	}
	live := r.st.live(accountID, now)
	if len(live) <= keep {
		return 0, nil
	}
	excess := make(map[string]bool, len(live)-keep)
	for _, s := range live[keep:] {
		excess[s.ID] = true
	}
	return r.revokeWhere(now, func(s sessiondomain.Session) bool { return excess[s.ID] }), nil
}

var errStoreDown = errors.New("store unavailable")
