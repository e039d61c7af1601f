package tron

import (
	"context"
	"time"

	"github.com/angelmondragon/resourcerent/pkg/errors"
)

// Clients routes calls to the client configured for a network.
type Clients map[string]*Client

// For returns the client for network or a validation error.
func (c Clients) For(network string) (*Client, error) {
	client, ok := c[network]
	if !ok || client == nil {
		return nil, errors.New(errors.CodeValidation, "no ledger client for network "+network)
	}
	return client, nil
}

func (c Clients) RecentTransactions(ctx context.Context, network, address string, limit int, since time.Time) ([]RawTransaction, error) {
	client, err := c.For(network)
	if err != nil {
		return nil, err
	}
	return client.RecentTransactions(ctx, address, limit, since)
}

func (c Clients) TransactionInfo(ctx context.Context, network, txID string) (*TransactionInfo, error) {
	client, err := c.For(network)
	if err != nil {
		return nil, err
	}
	return client.TransactionInfo(ctx, txID)
}

func (c Clients) AccountResources(ctx context.Context, network, address string) (AccountResources, error) {
	client, err := c.For(network)
	if err != nil {
		return AccountResources{}, err
	}
	return client.AccountResources(ctx, address)
}

func (c Clients) BuildDelegation(ctx context.Context, network string, req DelegateRequest) (UnsignedTransaction, error) {
	client, err := c.For(network)
	if err != nil {
		return UnsignedTransaction{}, err
	}
	return client.BuildDelegation(ctx, req)
}

func (c Clients) Broadcast(ctx context.Context, network string, tx UnsignedTransaction, signature []byte) (BroadcastResult, error) {
	client, err := c.For(network)
	if err != nil {
		return BroadcastResult{}, err
	}
	return client.Broadcast(ctx, tx, signature)
}

// TokenContract returns the stablecoin contract for network, or "".
func (c Clients) TokenContract(network string) string {
	client, ok := c[network]
	if !ok || client == nil {
		return ""
	}
	return client.TokenContract()
}
