// Package testutil provides a small bank-account aggregate shared by tests.
package testutil

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/eventfold/eventfold/core/aggregate"
	"github.com/eventfold/eventfold/core/event"
)

// Account event and aggregate type names.
const (
	AccountType = "account"

	AccountOpened    = "account.opened"
	AccountDeposited = "account.deposited"
	AccountWithdrawn = "account.withdrawn"
	AccountClosed    = "account.closed"
)

// Account is the test aggregate: a bank account folding money movements.
type Account struct {
	aggregate.Base
	Owner    string          `json:"owner"`
	Currency string          `json:"currency"`
	Balance  decimal.Decimal `json:"balance"`
	Closed   bool            `json:"closed"`
}

// AggregateType implements aggregate.Root.
func (a *Account) AggregateType() string { return AccountType }

// OpenedPayload is the account.opened event body.
type OpenedPayload struct {
	Owner    string `json:"owner"`
	Currency string `json:"currency"`
}

// MovementPayload is the deposit/withdrawal event body. Amounts travel as
// strings so decimal precision survives the JSON round trip.
type MovementPayload struct {
	Amount string `json:"amount"`
}

// NewAccountRegistry builds a registry with the account aggregate and all of
// its handlers bound. Panics on registration errors; fixtures fail loudly.
func NewAccountRegistry() *aggregate.Registry {
	registry := aggregate.NewRegistry()
	must(registry.RegisterAggregate(AccountType,
		func(id string) aggregate.Root { return &Account{Balance: decimal.Zero} },
		AccountOpened, AccountDeposited, AccountWithdrawn, AccountClosed))

	must(registry.RegisterHandler(AccountType, AccountOpened, func(root aggregate.Root, evt event.Event) error {
		acct := root.(*Account)
		var p OpenedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return err
		}
		acct.Owner = p.Owner
		acct.Currency = p.Currency
		return nil
	}))

	must(registry.RegisterHandler(AccountType, AccountDeposited, func(root aggregate.Root, evt event.Event) error {
		acct := root.(*Account)
		amount, err := movementAmount(evt)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(amount)
		return nil
	}))

	must(registry.RegisterHandler(AccountType, AccountWithdrawn, func(root aggregate.Root, evt event.Event) error {
		acct := root.(*Account)
		amount, err := movementAmount(evt)
		if err != nil {
			return err
		}
		if acct.Balance.LessThan(amount) {
			return fmt.Errorf("withdrawal %s exceeds balance %s", amount, acct.Balance)
		}
		acct.Balance = acct.Balance.Sub(amount)
		return nil
	}))

	must(registry.RegisterHandler(AccountType, AccountClosed, func(root aggregate.Root, evt event.Event) error {
		root.(*Account).Closed = true
		return nil
	}))

	return registry
}

func movementAmount(evt event.Event) (decimal.Decimal, error) {
	var p MovementPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return decimal.Zero, err
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", p.Amount, err)
	}
	return amount, nil
}

// OpenedEvent builds an account.opened event.
func OpenedEvent(aggregateID, owner, currency string) event.Event {
	evt, err := event.New(aggregateID, AccountType, AccountOpened, OpenedPayload{Owner: owner, Currency: currency})
	must(err)
	return evt
}

// DepositEvent builds an account.deposited event.
func DepositEvent(aggregateID, amount string) event.Event {
	evt, err := event.New(aggregateID, AccountType, AccountDeposited, MovementPayload{Amount: amount})
	must(err)
	return evt
}

// WithdrawEvent builds an account.withdrawn event.
func WithdrawEvent(aggregateID, amount string) event.Event {
	evt, err := event.New(aggregateID, AccountType, AccountWithdrawn, MovementPayload{Amount: amount})
	must(err)
	return evt
}

// ClosedEvent builds an account.closed event.
func ClosedEvent(aggregateID string) event.Event {
	evt, err := event.New(aggregateID, AccountType, AccountClosed, struct{}{})
	must(err)
	return evt
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
