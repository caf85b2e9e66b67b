package bank

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"rwadesk/core/identity"
	"rwadesk/storage"
)

var (
	// ErrInsufficientBalance is returned when a pull exceeds the owner's
	// stable-unit balance.
	ErrInsufficientBalance = errors.New("bank: insufficient balance")
	// ErrInsufficientAuthorization is returned when a pull exceeds the
	// allowance the owner granted to the desk.
	ErrInsufficientAuthorization = errors.New("bank: insufficient authorization")
	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("bank: amount must be positive")
)

const accountKeyPrefix = "bank/acct/"

// Ledger is the stable-unit account book backing the desk's funds transfer
// service. Every participant holds a balance and may grant the desk trust
// account an allowance; Pull draws against both, Push pays out of the trust
// account. All amounts are denominated in the single stable unit.
type Ledger struct {
	mu    sync.Mutex
	db    storage.Database
	trust identity.Address
}

// NewLedger opens the account book. trust is the desk's trust account, the
// address pulled funds are held under until settlement.
func NewLedger(db storage.Database, trust identity.Address) *Ledger {
	return &Ledger{db: db, trust: trust}
}

// TrustAccount returns the address pulled funds are held under.
func (l *Ledger) TrustAccount() identity.Address { return l.trust }

type storedAccount struct {
	Balance    string            `json:"balance"`
	Allowances map[string]string `json:"allowances,omitempty"`
}

type account struct {
	balance    *big.Int
	allowances map[identity.Address]*big.Int
}

func accountKey(addr identity.Address) []byte {
	return []byte(accountKeyPrefix + hex.EncodeToString(addr[:]))
}

func (l *Ledger) loadAccount(addr identity.Address) (*account, error) {
	raw, err := l.db.Get(accountKey(addr))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &account{balance: big.NewInt(0), allowances: make(map[identity.Address]*big.Int)}, nil
	}
	if err != nil {
		return nil, err
	}
	var rec storedAccount
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("bank: decode account: %w", err)
	}
	acc := &account{balance: big.NewInt(0), allowances: make(map[identity.Address]*big.Int)}
	if rec.Balance != "" {
		v, ok := new(big.Int).SetString(rec.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("bank: malformed balance %q", rec.Balance)
		}
		acc.balance = v
	}
	for spender, amount := range rec.Allowances {
		addr, err := identity.ParseAddress(spender)
		if err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("bank: malformed allowance %q", amount)
		}
		acc.allowances[addr] = v
	}
	return acc, nil
}

func (l *Ledger) saveAccount(addr identity.Address, acc *account) error {
	rec := storedAccount{Balance: acc.balance.String()}
	if len(acc.allowances) > 0 {
		rec.Allowances = make(map[string]string, len(acc.allowances))
		for spender, amount := range acc.allowances {
			if amount.Sign() > 0 {
				rec.Allowances[identity.FormatAddress(spender)] = amount.String()
			}
		}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Put(accountKey(addr), raw)
}

// Balance returns the stable-unit balance of the address.
func (l *Ledger) Balance(addr identity.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.loadAccount(addr)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(acc.balance), nil
}

// Mint credits freshly issued stable units to the address. Used by genesis
// funding and tests; production deployments bridge real deposits through it.
func (l *Ledger) Mint(addr identity.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.loadAccount(addr)
	if err != nil {
		return err
	}
	acc.balance.Add(acc.balance, amount)
	return l.saveAccount(addr, acc)
}

// Approve grants the desk trust account permission to pull up to amount from
// the owner. Re-approving overwrites the previous allowance.
func (l *Ledger) Approve(owner identity.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.loadAccount(owner)
	if err != nil {
		return err
	}
	acc.allowances[l.trust] = new(big.Int).Set(amount)
	return l.saveAccount(owner, acc)
}

// Allowance returns how much the desk may still pull from the owner.
func (l *Ledger) Allowance(owner identity.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, err := l.loadAccount(owner)
	if err != nil {
		return nil, err
	}
	allowance, ok := acc.allowances[l.trust]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(allowance), nil
}

// Pull draws amount from the owner into the trust account, consuming both
// balance and allowance. Implements escrow.FundsTransferService.
func (l *Ledger) Pull(from identity.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fromAcc, err := l.loadAccount(from)
	if err != nil {
		return err
	}
	if fromAcc.balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	allowance := fromAcc.allowances[l.trust]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return ErrInsufficientAuthorization
	}
	trustAcc, err := l.loadAccount(l.trust)
	if err != nil {
		return err
	}
	fromAcc.balance.Sub(fromAcc.balance, amount)
	allowance.Sub(allowance, amount)
	trustAcc.balance.Add(trustAcc.balance, amount)
	if err := l.saveAccount(from, fromAcc); err != nil {
		return err
	}
	return l.saveAccount(l.trust, trustAcc)
}

// Push pays amount out of the trust account to the recipient. Implements
// escrow.FundsTransferService.
func (l *Ledger) Push(to identity.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	trustAcc, err := l.loadAccount(l.trust)
	if err != nil {
		return err
	}
	if trustAcc.balance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	toAcc, err := l.loadAccount(to)
	if err != nil {
		return err
	}
	trustAcc.balance.Sub(trustAcc.balance, amount)
	toAcc.balance.Add(toAcc.balance, amount)
	if err := l.saveAccount(l.trust, trustAcc); err != nil {
		return err
	}
	return l.saveAccount(to, toAcc)
}
