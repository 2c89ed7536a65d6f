package meshcache

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDisposed is returned by operations on a registry, cache, or queue that
// has already been disposed.
var ErrDisposed = errors.New("meshcache: disposed")

// NotFoundError reports a fetch miss the backing store confirmed: the fetcher
// ran and yielded no value. Not retryable by the cache itself; the caller
// decides whether the fact may appear later.
type NotFoundError struct {
	Cache string
	Key   string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("meshcache: %q: no value", e.Cache)
	}
	return fmt.Sprintf("meshcache: %q: key %q not found", e.Cache, e.Key)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// DuplicateNameError reports a second registration under an already-used
// name. Names are unique per process; this is a wiring bug, not a runtime
// condition.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("meshcache: duplicate cache name %q", e.Name)
}

// AggregateError collects failures from a group operation (a GC/clear/dispose
// pass over every managed instance, or an emit over every bus listener).
// Every member ran; these are the ones that failed.
type AggregateError struct {
	Op   string
	Errs []error
}

func (e *AggregateError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("meshcache: %s: %d of group failed: %s", e.Op, len(e.Errs), strings.Join(msgs, "; "))
}

func (e *AggregateError) Unwrap() []error { return e.Errs }

// aggregate folds collected errors into a single return: nil for none, the
// error itself for one, an AggregateError otherwise.
func aggregate(op string, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &AggregateError{Op: op, Errs: errs}
	}
}
