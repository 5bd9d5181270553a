package middlewares

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/autobooks_backend/config"
	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"gorm.io/gorm"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// Loaders wrap the request-scoped data loaders injected via middleware.
type Loaders struct {
	AccountNameLoader *dataloader.Loader[AccountKey, string]
}

func NewLoaders(conn *gorm.DB) *Loaders {
	accountNameReader := &accountNameReader{db: conn}
	return &Loaders{
		AccountNameLoader: dataloader.NewBatchedLoader(accountNameReader.getAccountNames, dataloader.WithWait[AccountKey, string](time.Millisecond)),
	}
}

func LoaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(config.GetDB())
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
