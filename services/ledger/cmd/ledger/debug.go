package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/AfshinJalili/gowallet/services/ledger/internal/balance"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/currency"
	"github.com/AfshinJalili/gowallet/services/ledger/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type walletInspector interface {
	Balances(ctx context.Context, userCode, currencyID string) (map[balance.SubAccount]decimal.Decimal, error)
	StoredBalance(ctx context.Context, userCode, currencyID string) (*storage.WalletBalance, error)
	ProvisionWallet(ctx context.Context, userCode string) (int, error)
}

type walletView struct {
	UserCode   string            `json:"user_code"`
	CurrencyID string            `json:"currency_id"`
	Cache      map[string]string `json:"cache"`
	Stored     map[string]string `json:"stored,omitempty"`
	Applied    map[string]string `json:"applied,omitempty"`
}

// registerDebugRoutes exposes wallet inspection in dev only. It compares the
// live cache with the reconciled copy.
func registerDebugRoutes(router *gin.Engine, env string, wallets walletInspector) {
	if env != "dev" || wallets == nil {
		return
	}
	group := router.Group("/debug/wallets")

	group.GET("/:user/:currency", func(c *gin.Context) {
		user, cur := c.Param("user"), c.Param("currency")
		live, err := wallets.Balances(c.Request.Context(), user, cur)
		if errors.Is(err, currency.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "currency not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		view := walletView{UserCode: user, CurrencyID: cur, Cache: stringify(live)}
		stored, err := wallets.StoredBalance(c.Request.Context(), user, cur)
		switch {
		case err == nil:
			view.Stored = stringify(stored.Balances)
			view.Applied = make(map[string]string, len(stored.Applied))
			for sub, seq := range stored.Applied {
				view.Applied[string(sub)] = seq
			}
		case !errors.Is(err, storage.ErrNotFound):
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, view)
	})

	group.POST("/:user/provision", func(c *gin.Context) {
		created, err := wallets.ProvisionWallet(c.Request.Context(), c.Param("user"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"created": created})
	})
}

func stringify(in map[balance.SubAccount]decimal.Decimal) map[string]string {
	out := make(map[string]string, len(in))
	for sub, amount := range in {
		out[string(sub)] = amount.String()
	}
	return out
}
