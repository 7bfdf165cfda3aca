package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/brojonat/agentpay/service/txn"
)

// Wallet is a registered signing wallet.
type Wallet struct {
	ID        string           `json:"walletId"`
	PublicKey string           `json:"publicKey"`
	AgentID   *string          `json:"agentId,omitempty"`
	Status    txn.WalletStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// RegisterWallet creates or updates a wallet registration.
func (c *Client) RegisterWallet(ctx context.Context, walletID, publicKey string, agentID *string) (*Wallet, error) {
	body := map[string]any{
		"walletId":  walletID,
		"publicKey": publicKey,
	}
	if agentID != nil {
		body["agentId"] = *agentID
	}
	wallet := &Wallet{}
	if _, err := c.do(ctx, http.MethodPost, "/wallets", body, wallet); err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "wallet registered", "wallet_id", walletID)
	return wallet, nil
}

// GetWallet fetches a wallet registration.
func (c *Client) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	wallet := &Wallet{}
	if _, err := c.do(ctx, http.MethodGet, "/wallets/"+url.PathEscape(walletID), nil, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

// ListWallets returns every registered wallet.
func (c *Client) ListWallets(ctx context.Context) ([]*Wallet, error) {
	var resp struct {
		Wallets []*Wallet `json:"wallets"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/wallets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Wallets, nil
}

// SuspendWallet stops the signer from being called for a wallet.
func (c *Client) SuspendWallet(ctx context.Context, walletID string) (*Wallet, error) {
	return c.setWalletStatus(ctx, walletID, "suspend")
}

// ActivateWallet reverses SuspendWallet.
func (c *Client) ActivateWallet(ctx context.Context, walletID string) (*Wallet, error) {
	return c.setWalletStatus(ctx, walletID, "activate")
}

func (c *Client) setWalletStatus(ctx context.Context, walletID, action string) (*Wallet, error) {
	wallet := &Wallet{}
	if _, err := c.do(ctx, http.MethodPost, "/wallets/"+url.PathEscape(walletID)+"/"+action, nil, wallet); err != nil {
		return nil, err
	}
	c.logger.DebugContext(ctx, "wallet status changed", "wallet_id", walletID, "status", wallet.Status)
	return wallet, nil
}
