package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"openmarket/core/types"
	"openmarket/crypto"
	"openmarket/native/market"
	"openmarket/storage"
)

var errReadOnly = errors.New("state: write inside read-only view")

// Manager realizes the ledger contract the marketplace engine consumes:
// accounts, per-product escrow balances, and the catalog, all persisted in a
// key-value store. Every Update runs against a staged overlay whose writes
// become durable in a single batch commit, so a status change and the fund
// movement that authorized it are applied together or not at all.
type Manager struct {
	mu sync.Mutex
	db storage.Database
}

// NewManager wraps the given database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Update runs fn against a staged transition and commits its writes if fn
// returns nil. Any error discards the overlay untouched.
func (m *Manager) Update(fn func(market.StateTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newTransition(m.db, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn against committed state only.
func (m *Manager) View(fn func(market.StateTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(newTransition(m.db, true))
}

// BalanceAlloc seeds an account balance at bootstrap.
type BalanceAlloc struct {
	Address crypto.Address
	Amount  *big.Int
}

// Bootstrap applies the genesis balance allocations exactly once; reopening an
// existing data directory leaves balances alone.
func (m *Manager) Bootstrap(allocs []BalanceAlloc) error {
	return m.Update(func(tx market.StateTx) error {
		st, ok := tx.(*transition)
		if !ok {
			return fmt.Errorf("state: unexpected transition type")
		}
		applied, err := st.has([]byte(keyGenesisApplied))
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		for _, alloc := range allocs {
			if alloc.Address.IsZero() {
				return fmt.Errorf("state: genesis alloc with zero address")
			}
			if alloc.Amount == nil || alloc.Amount.Sign() < 0 {
				return fmt.Errorf("state: genesis alloc with negative amount")
			}
			acc, err := tx.GetAccount(alloc.Address)
			if err != nil {
				return err
			}
			acc = acc.Ensure()
			acc.Balance = new(big.Int).Set(alloc.Amount)
			if err := tx.PutAccount(alloc.Address, acc); err != nil {
				return err
			}
		}
		return st.put([]byte(keyGenesisApplied), []byte{1})
	})
}

// BalanceOf returns the committed account record for an address. Unknown
// addresses yield a fresh zero-balance account.
func (m *Manager) BalanceOf(addr crypto.Address) (*types.Account, error) {
	var account *types.Account
	err := m.View(func(tx market.StateTx) error {
		acc, err := tx.GetAccount(addr)
		if err != nil {
			return err
		}
		account = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// transition implements market.StateTx over the database with a staged
// overlay.
type transition struct {
	db       storage.Database
	staged   map[string][]byte
	order    []string
	readOnly bool
}

func newTransition(db storage.Database, readOnly bool) *transition {
	return &transition{
		db:       db,
		staged:   make(map[string][]byte),
		readOnly: readOnly,
	}
}

func (t *transition) get(key []byte) ([]byte, bool, error) {
	if val, ok := t.staged[string(key)]; ok {
		return val, true, nil
	}
	val, err := t.db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (t *transition) has(key []byte) (bool, error) {
	if _, ok := t.staged[string(key)]; ok {
		return true, nil
	}
	return t.db.Has(key)
}

func (t *transition) put(key, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	k := string(key)
	if _, ok := t.staged[k]; !ok {
		t.order = append(t.order, k)
	}
	t.staged[k] = value
	return nil
}

func (t *transition) commit() error {
	if len(t.order) == 0 {
		return nil
	}
	batch := t.db.NewBatch()
	for _, key := range t.order {
		batch.Put([]byte(key), t.staged[key])
	}
	return batch.Write()
}

func (t *transition) ProductGet(id uint64) (*market.Product, bool, error) {
	raw, ok, err := t.get(productKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	product, err := decodeProduct(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode product %d: %w", id, err)
	}
	return product, true, nil
}

func (t *transition) ProductPut(p *market.Product) error {
	sanitized, err := market.SanitizeProduct(p)
	if err != nil {
		return err
	}
	raw, err := encodeProduct(sanitized)
	if err != nil {
		return err
	}
	return t.put(productKey(sanitized.ID), raw)
}

func (t *transition) ProductCount() (uint64, error) {
	raw, ok, err := t.get([]byte(keyProductCount))
	if err != nil || !ok {
		return 0, err
	}
	return decodeCount(raw)
}

func (t *transition) SetProductCount(count uint64) error {
	return t.put([]byte(keyProductCount), encodeCount(count))
}

func (t *transition) EscrowBalance(id uint64) (*big.Int, error) {
	raw, ok, err := t.get(escrowKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return decodeAmount(raw)
}

func (t *transition) EscrowCredit(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: escrow credit amount must be non-negative")
	}
	balance, err := t.EscrowBalance(id)
	if err != nil {
		return err
	}
	balance = new(big.Int).Add(balance, amount)
	return t.put(escrowKey(id), encodeAmount(balance))
}

func (t *transition) EscrowDebit(id uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("state: escrow debit amount must be non-negative")
	}
	balance, err := t.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: held %s, debit %s", market.ErrInsufficientEscrow, balance, amount)
	}
	balance = new(big.Int).Sub(balance, amount)
	return t.put(escrowKey(id), encodeAmount(balance))
}

func (t *transition) GetAccount(addr crypto.Address) (*types.Account, error) {
	raw, ok, err := t.get(accountKey(addr))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	account, err := decodeAccount(raw)
	if err != nil {
		return nil, fmt.Errorf("decode account %s: %w", addr, err)
	}
	return account, nil
}

func (t *transition) PutAccount(addr crypto.Address, account *types.Account) error {
	raw, err := encodeAccount(account.Ensure())
	if err != nil {
		return err
	}
	return t.put(accountKey(addr), raw)
}
