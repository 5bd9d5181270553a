package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/autobooks_backend/appctx"
)

var (
	ContextKeyClientId      = appctx.ContextKeyClientId
	ContextKeyActorName     = appctx.ContextKeyActorName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetClientIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyClientId)
}

func GetActorNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetClientIdInContext(ctx context.Context, clientId string) context.Context {
	return appctx.Set(ctx, ContextKeyClientId, clientId)
}

func SetActorNameInContext(ctx context.Context, actorName string) context.Context {
	return appctx.Set(ctx, ContextKeyActorName, actorName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
