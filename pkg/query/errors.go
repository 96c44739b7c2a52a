package query

import (
	"context"
	"errors"
	"strings"

	"github.com/dgraph-io/gqlparser/v2/gqlerror"

	"github.com/nainya/entitystore/pkg/entity"
)

// Error classifications reported in error extensions
const (
	ClassValidation = "validation"
	ClassInternal   = "internal"
)

// ErrorList converts an error into in-band error entries, one per validation problem
func ErrorList(err error) gqlerror.List {
	if err == nil {
		return nil
	}
	var many resolutionErrors
	if errors.As(err, &many) {
		var out gqlerror.List
		for _, e := range many {
			out = append(out, ErrorList(e)...)
		}
		return out
	}
	var list entity.ValidationErrors
	if errors.As(err, &list) {
		out := make(gqlerror.List, 0, len(list))
		for _, v := range list {
			out = append(out, validationEntry(v))
		}
		return out
	}
	var single *entity.ValidationError
	if errors.As(err, &single) {
		return gqlerror.List{validationEntry(single)}
	}
	return gqlerror.List{{
		Message:    err.Error(),
		Extensions: map[string]interface{}{"classification": ClassInternal},
	}}
}

func validationEntry(v *entity.ValidationError) *gqlerror.Error {
	return &gqlerror.Error{
		Message: v.Error(),
		Extensions: map[string]interface{}{
			"classification": ClassValidation,
			"field":          v.Field,
		},
	}
}

// Classification returns the classification of an error entry
func Classification(e *gqlerror.Error) string {
	if c, ok := e.Extensions["classification"].(string); ok {
		return c
	}
	return ""
}

type requestIDKey struct{}

// WithRequestID attaches a request identifier to ctx
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request identifier attached to ctx
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// resolutionErrors collects every failure met while projecting results
type resolutionErrors []error

func (r resolutionErrors) Error() string {
	msgs := make([]string, len(r))
	for i, e := range r {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}
