package market

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"openmarket/core/events"
	"openmarket/core/types"
	"openmarket/crypto"
)

var errNilState = errors.New("market engine: state not configured")

// StateTx exposes the ledger primitives a state transition may touch. All
// methods observe writes staged earlier in the same transition; nothing is
// durable until the transition commits.
type StateTx interface {
	ProductGet(id uint64) (*Product, bool, error)
	ProductPut(p *Product) error
	ProductCount() (uint64, error)
	SetProductCount(count uint64) error
	EscrowBalance(id uint64) (*big.Int, error)
	EscrowCredit(id uint64, amount *big.Int) error
	EscrowDebit(id uint64, amount *big.Int) error
	GetAccount(addr crypto.Address) (*types.Account, error)
	PutAccount(addr crypto.Address, account *types.Account) error
}

type engineState interface {
	Update(fn func(StateTx) error) error
	View(fn func(StateTx) error) error
}

// EscrowVaultAddress returns the module account that holds every pending
// deposit. Funds only enter on a lock and only leave through the matching
// cancel or confirm transition.
func EscrowVaultAddress() crypto.Address {
	hash := ethcrypto.Keccak256([]byte("openmarket/escrow-vault"))
	return crypto.MustNewAddress(hash[12:])
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine owns the product catalog and enforces the escrow lifecycle: a listed
// product is locked by staking twice its price, the seller may cancel a lock
// for a full refund, and the buyer's confirmation distributes the escrow.
// Mutating operations are serialized and commit the status change together
// with the fund movement in one atomic state transition.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a marketplace engine with a no-op emitter. Callers can
// override the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// transfer moves amount between two ledger accounts inside the transition.
func transfer(tx StateTx, from, to crypto.Address, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("market: negative transfer amount")
	}
	fromAcc, err := tx.GetAccount(from)
	if err != nil {
		return err
	}
	toAcc, err := tx.GetAccount(to)
	if err != nil {
		return err
	}
	fromAcc = fromAcc.Ensure()
	toAcc = toAcc.Ensure()
	if fromAcc.Balance.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := tx.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return tx.PutAccount(to, toAcc)
}

func bumpNonce(tx StateTx, addr crypto.Address) error {
	acc, err := tx.GetAccount(addr)
	if err != nil {
		return err
	}
	acc = acc.Ensure()
	acc.Nonce++
	return tx.PutAccount(addr, acc)
}

// CreateProduct lists a new product for the caller. The identifier is one
// greater than the previous highest id, starting at 1.
func (e *Engine) CreateProduct(caller crypto.Address, name string, price *big.Int) (*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidArgument)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidArgument)
	}
	if caller.IsZero() {
		return nil, fmt.Errorf("%w: caller must be set", ErrInvalidArgument)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var created *Product
	err := e.state.Update(func(tx StateTx) error {
		count, err := tx.ProductCount()
		if err != nil {
			return err
		}
		product := &Product{
			ID:        count + 1,
			Name:      trimmed,
			Price:     cloneBigInt(price),
			Seller:    caller,
			Status:    ProductAvailable,
			CreatedAt: e.now(),
		}
		if err := tx.ProductPut(product); err != nil {
			return err
		}
		if err := tx.SetProductCount(product.ID); err != nil {
			return err
		}
		if err := bumpNonce(tx, caller); err != nil {
			return err
		}
		created = product.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(created))
	return created, nil
}

// LockPurchase stakes the caller's deposit and locks an available product.
// The attached value must equal exactly twice the price: the doubled amount is
// buyer-side collateral that discourages reneging, since only completion
// returns half of it while a seller cancel refunds it in full.
func (e *Engine) LockPurchase(id uint64, caller crypto.Address, deposit *big.Int) (*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		locked *Product
		staked *big.Int
	)
	err := e.state.Update(func(tx StateTx) error {
		product, ok, err := tx.ProductGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if product.Status != ProductAvailable {
			return fmt.Errorf("%w: cannot lock in status %s", ErrInvalidState, product.Status)
		}
		if caller == product.Seller {
			return fmt.Errorf("%w: seller may not buy their own listing", ErrUnauthorized)
		}
		required := product.Deposit()
		if deposit == nil || deposit.Cmp(required) != 0 {
			return fmt.Errorf("%w: required %s", ErrInvalidPayment, required)
		}
		if err := transfer(tx, caller, EscrowVaultAddress(), required); err != nil {
			return err
		}
		if err := tx.EscrowCredit(id, required); err != nil {
			return err
		}
		product.Buyer = caller
		product.Status = ProductLocked
		if err := tx.ProductPut(product); err != nil {
			return err
		}
		if err := bumpNonce(tx, caller); err != nil {
			return err
		}
		locked = product.Clone()
		staked = required
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewLockedEvent(locked, staked))
	return locked, nil
}

// CancelPurchase aborts a pending lock. Only the seller who listed the item
// may cancel, and the full deposit flows back to the locked buyer. A repeat
// call after completion fails with ErrInvalidState rather than refunding
// twice.
func (e *Engine) CancelPurchase(id uint64, caller crypto.Address) (*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		canceled *Product
		buyer    crypto.Address
		refund   *big.Int
	)
	err := e.state.Update(func(tx StateTx) error {
		product, ok, err := tx.ProductGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if product.Status != ProductLocked {
			return fmt.Errorf("%w: cannot cancel in status %s", ErrInvalidState, product.Status)
		}
		if caller != product.Seller {
			return fmt.Errorf("%w: only the seller may cancel", ErrUnauthorized)
		}
		amount := product.Deposit()
		if err := tx.EscrowDebit(id, amount); err != nil {
			return err
		}
		if err := transfer(tx, EscrowVaultAddress(), product.Buyer, amount); err != nil {
			return err
		}
		buyer = product.Buyer
		product.Buyer = crypto.Address{}
		product.Status = ProductAvailable
		if err := tx.ProductPut(product); err != nil {
			return err
		}
		if err := bumpNonce(tx, caller); err != nil {
			return err
		}
		canceled = product.Clone()
		refund = amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewCanceledEvent(canceled, buyer.String(), refund))
	return canceled, nil
}

// ConfirmReceipt finalizes a locked purchase: the seller receives the price
// and the buyer recovers the other half of the deposit, leaving the buyer a
// net spend of exactly the price. Only the locked buyer may confirm.
func (e *Engine) ConfirmReceipt(id uint64, caller crypto.Address) (*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		sold   *Product
		payout *big.Int
	)
	err := e.state.Update(func(tx StateTx) error {
		product, ok, err := tx.ProductGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		if product.Status != ProductLocked {
			return fmt.Errorf("%w: cannot confirm in status %s", ErrInvalidState, product.Status)
		}
		if caller != product.Buyer {
			return fmt.Errorf("%w: only the locked buyer may confirm receipt", ErrUnauthorized)
		}
		if err := tx.EscrowDebit(id, product.Deposit()); err != nil {
			return err
		}
		price := cloneBigInt(product.Price)
		if err := transfer(tx, EscrowVaultAddress(), product.Seller, price); err != nil {
			return err
		}
		if err := transfer(tx, EscrowVaultAddress(), product.Buyer, price); err != nil {
			return err
		}
		product.Status = ProductSold
		if err := tx.ProductPut(product); err != nil {
			return err
		}
		if err := bumpNonce(tx, caller); err != nil {
			return err
		}
		sold = product.Clone()
		payout = price
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emit(NewSoldEvent(sold, payout, payout))
	return sold, nil
}

// GetProduct returns a single catalog entry by id.
func (e *Engine) GetProduct(id uint64) (*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var product *Product
	err := e.state.View(func(tx StateTx) error {
		p, ok, err := tx.ProductGet(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		product = p.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return product, nil
}

// ListProducts returns the catalog snapshot in insertion order. Sold and
// re-listed products remain visible with their current status.
func (e *Engine) ListProducts() ([]*Product, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var products []*Product
	err := e.state.View(func(tx StateTx) error {
		count, err := tx.ProductCount()
		if err != nil {
			return err
		}
		products = make([]*Product, 0, count)
		for id := uint64(1); id <= count; id++ {
			p, ok, err := tx.ProductGet(id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("catalog gap at id %d", id)
			}
			products = append(products, p.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return products, nil
}

// EscrowBalance reports the funds currently held for a product id.
func (e *Engine) EscrowBalance(id uint64) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	var balance *big.Int
	err := e.state.View(func(tx StateTx) error {
		amt, err := tx.EscrowBalance(id)
		if err != nil {
			return err
		}
		balance = cloneBigInt(amt)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}
