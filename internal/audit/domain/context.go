package domain

import "context"

type requestInfoKey struct{}

// RequestInfo carries request attribution captured by the HTTP layer.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

func RequestInfoFromContext(ctx context.Context) RequestInfo {
	if ctx == nil {
		return RequestInfo{}
	}
	if info, ok := ctx.Value(requestInfoKey{}).(RequestInfo); ok {
		return info
	}
	return RequestInfo{}
}
