package cache

import (
	"errors"
	"fmt"

	platformerrors "github.com/jmgilman/go/errors"
)

// Error codes surfaced by the caching engine.
const (
	// CodeStorageUnavailable indicates the storage medium could not be reached.
	CodeStorageUnavailable platformerrors.ErrorCode = "STORAGE_UNAVAILABLE"

	// CodeProvisionIncomplete indicates a manifest resource could not be
	// fetched while populating a store.
	CodeProvisionIncomplete platformerrors.ErrorCode = "PROVISION_INCOMPLETE"

	// CodeResourceUnavailable indicates a cache miss whose network fallback
	// failed as well.
	CodeResourceUnavailable platformerrors.ErrorCode = "RESOURCE_UNAVAILABLE"

	// CodeInvalidEntry indicates an attempt to store something that is not a
	// GET response.
	CodeInvalidEntry platformerrors.ErrorCode = "INVALID_ENTRY"
)

var errStoreDeleted = errors.New("store has been deleted")

// StorageUnavailable wraps a storage medium failure observed during op.
func StorageUnavailable(err error, op, store string) error {
	wrapped := platformerrors.Wrapf(err, CodeStorageUnavailable, "storage unavailable: %s", op)
	if store == "" {
		return wrapped
	}
	return platformerrors.WithContext(wrapped, "store", store)
}

func InvalidEntry(store string, id Identity, reason string) error {
	err := platformerrors.Newf(CodeInvalidEntry, "invalid entry %q: %s", id, reason)
	return platformerrors.WithContext(err, "store", store)
}

// ProvisionIncomplete reports a manifest resource that could not be stored.
// cause may be nil when the origin answered with an unusable response.
func ProvisionIncomplete(cause error, store, resource string) error {
	msg := fmt.Sprintf("provision %s: resource %s", store, resource)
	ctx := map[string]interface{}{
		"store":    store,
		"resource": resource,
	}
	if cause != nil {
		return platformerrors.WrapWithContext(cause, CodeProvisionIncomplete, msg, ctx)
	}
	return platformerrors.WithContextMap(platformerrors.New(CodeProvisionIncomplete, msg), ctx)
}

// ResourceUnavailable reports a failed network fallback for url.
func ResourceUnavailable(cause error, url string) error {
	err := platformerrors.Wrap(cause, CodeResourceUnavailable, fmt.Sprintf("resource unavailable: %s", url))
	if err == nil {
		err = platformerrors.Newf(CodeResourceUnavailable, "resource unavailable: %s", url)
	}
	return platformerrors.WithContext(err, "url", url)
}

func IsStorageUnavailable(err error) bool {
	return hasCode(err, CodeStorageUnavailable)
}

func IsProvisionIncomplete(err error) bool {
	return hasCode(err, CodeProvisionIncomplete)
}

func IsResourceUnavailable(err error) bool {
	return hasCode(err, CodeResourceUnavailable)
}

func IsInvalidEntry(err error) bool {
	return hasCode(err, CodeInvalidEntry)
}

func hasCode(err error, code platformerrors.ErrorCode) bool {
	return err != nil && platformerrors.GetCode(err) == code
}
