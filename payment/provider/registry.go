package provider

import (
	"context"
	"fmt"
	"sync"

	"go-marketpay/payment/db"
	"go-marketpay/payment/errs"
)

// Key identifies a provider instance: "paypal" or "blockchain:<network>".
func Key(providerName, network string) string {
	if network == "" {
		return providerName
	}
	return providerName + ":" + network
}

// Registry resolves a payment method name to the provider that serves it.
// The method table is re-read on Reload; provider instances are fixed so
// that state such as on-chain reservations survives configuration changes.
type Registry struct {
	methods   MethodSource
	providers map[string]Provider

	mu       sync.RWMutex
	byMethod map[string]Provider
	active   []db.PaymentMethodConfig
}

func NewRegistry(methods MethodSource, providers map[string]Provider) *Registry {
	return &Registry{methods: methods, providers: providers, byMethod: map[string]Provider{}}
}

func (r *Registry) Reload(ctx context.Context) error {
	methods, err := r.methods.Methods(ctx)
	if err != nil {
		return fmt.Errorf("load payment methods: %w", err)
	}

	byMethod := make(map[string]Provider, len(methods))
	var active []db.PaymentMethodConfig
	for _, m := range methods {
		p, ok := r.providers[Key(m.Provider, m.Network)]
		if !ok {
			continue
		}
		byMethod[m.MethodID] = p
		active = append(active, m)
	}

	r.mu.Lock()
	r.byMethod = byMethod
	r.active = active
	r.mu.Unlock()
	return nil
}

func (r *Registry) Lookup(method string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byMethod[method]
	if !ok {
		return nil, fmt.Errorf("payment method %q: %w", method, errs.ErrConfigMissing)
	}
	return p, nil
}

// Methods lists the active methods that have a provider behind them.
func (r *Registry) Methods() []db.PaymentMethodConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]db.PaymentMethodConfig(nil), r.active...)
}

// ForTransaction returns the provider that started tx, even if its payment
// method has been deactivated since.
func (r *Registry) ForTransaction(tx db.PaymentTransaction) (Provider, error) {
	p, ok := r.providers[Key(tx.Provider, NetworkOf(tx.PaymentMethod))]
	if !ok {
		return nil, fmt.Errorf("provider %q for %s: %w", tx.Provider, tx.PaymentMethod, errs.ErrConfigMissing)
	}
	return p, nil
}

// NetworkOf is the chain an on-chain payment method settles on.
func NetworkOf(method string) string {
	switch method {
	case db.MethodUSDTTron:
		return db.NetworkTron
	case db.MethodUSDTEth:
		return db.NetworkEthereum
	}
	return ""
}

// All returns every configured provider instance.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Restore re-reserves the on-chain amount of an open transaction.
func (r *Registry) Restore(tx db.PaymentTransaction) {
	if p, err := r.ForTransaction(tx); err == nil {
		if res, ok := p.(Reserver); ok {
			res.Restore(tx)
		}
	}
}

// Release frees whatever tx holds at its provider. It is a no-op for rails
// without reservations.
func (r *Registry) Release(tx db.PaymentTransaction) {
	if p, err := r.ForTransaction(tx); err == nil {
		if res, ok := p.(Reserver); ok {
			res.Release(tx)
		}
	}
}
