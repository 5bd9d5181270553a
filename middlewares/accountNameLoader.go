package middlewares

import (
	"context"
	"fmt"

	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"

	"bitbucket.org/mmdatafocus/autobooks_backend/models"
)

// AccountKey addresses one account number inside one client's chart.
type AccountKey struct {
	ClientId      string
	AccountNumber string
}

type accountNameReader struct {
	db *gorm.DB
}

func (r *accountNameReader) getAccountNames(ctx context.Context, keys []AccountKey) []*dataloader.Result[string] {
	numbersByClient := make(map[string][]string)
	for _, key := range keys {
		numbersByClient[key.ClientId] = append(numbersByClient[key.ClientId], key.AccountNumber)
	}

	resolved := make(map[AccountKey]string, len(keys))
	for clientId, numbers := range numbersByClient {
		var accounts []models.Account
		err := r.db.WithContext(ctx).
			Where("client_id = ? AND account_number IN ?", clientId, numbers).
			Find(&accounts).Error
		if err != nil {
			return handleError[string](len(keys), err)
		}
		for _, acc := range accounts {
			resolved[AccountKey{ClientId: clientId, AccountNumber: acc.AccountNumber}] = acc.Name
		}
	}

	results := make([]*dataloader.Result[string], 0, len(keys))
	for _, key := range keys {
		name, ok := resolved[key]
		if !ok {
			// Unknown numbers fall back to a display placeholder.
			name = fmt.Sprintf("Account %s", key.AccountNumber)
		}
		results = append(results, &dataloader.Result[string]{Data: name})
	}
	return results
}

// GetAccountName resolves a single account number to its display name
// efficiently across a request.
func GetAccountName(ctx context.Context, clientId string, accountNumber string) (string, error) {
	loaders := For(ctx)
	return loaders.AccountNameLoader.Load(ctx, AccountKey{ClientId: clientId, AccountNumber: accountNumber})()
}

// GetAccountNames resolves many account numbers in one batch.
func GetAccountNames(ctx context.Context, clientId string, accountNumbers []string) ([]string, []error) {
	loaders := For(ctx)
	keys := make([]AccountKey, 0, len(accountNumbers))
	for _, number := range accountNumbers {
		keys = append(keys, AccountKey{ClientId: clientId, AccountNumber: number})
	}
	return loaders.AccountNameLoader.LoadMany(ctx, keys)()
}
