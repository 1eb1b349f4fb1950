package messagelog

import (
	"context"
	"errors"

	"github.com/wehubfusion/conduit/pkg/dispatch"
)

type tee []dispatch.MessageLog

// Tee stores every record in all logs. A failing log does not stop the
// others; the errors are joined.
func Tee(logs ...dispatch.MessageLog) dispatch.MessageLog {
	return tee(logs)
}

func (t tee) Store(ctx context.Context, rec dispatch.AuditRecord) error {
	var errs []error
	for _, l := range t {
		if err := l.Store(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
