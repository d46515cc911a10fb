package swproxy

import (
	"fmt"

	"go.trai.ch/zerr"
)

var (
	// ErrManifestFetch is returned when a manifest entry cannot be fetched or is not a 2xx response.
	ErrManifestFetch = zerr.New("failed to fetch manifest entry")

	// ErrInstallFailed is returned when the fetched manifest cannot be written to the store.
	ErrInstallFailed = zerr.New("install failed")

	// ErrInvalidManifest is returned when a deploy carries a manifest entry that is not an absolute path.
	ErrInvalidManifest = zerr.New("invalid manifest")

	// ErrInvalidState is returned when a lifecycle step is invoked from the wrong worker state.
	ErrInvalidState = zerr.New("invalid worker state")

	// ErrUpdateInProgress is returned when a deploy is requested while another one is installing.
	ErrUpdateInProgress = zerr.New("update already in progress")

	// ErrVersionActive is returned when a deploy names the version that is already serving.
	ErrVersionActive = zerr.New("version already active")

	// ErrNetwork is returned when the upstream cannot be reached.
	ErrNetwork = zerr.New("network request failed")

	// ErrNoFallback is returned when the network failed and no cached response exists.
	ErrNoFallback = zerr.New("network failed and no cached response")

	// ErrStoreRead is returned when an entry cannot be read from the store.
	ErrStoreRead = zerr.New("failed to read cache entry")

	// ErrStoreWrite is returned when an entry cannot be written to the store.
	ErrStoreWrite = zerr.New("failed to write cache entry")

	// ErrStoreDelete is returned when a generation cannot be deleted.
	ErrStoreDelete = zerr.New("failed to delete cache generation")

	// ErrNotificationNotFound is returned when a click references an unknown notification.
	ErrNotificationNotFound = zerr.New("notification not found")

	// ErrNotificationSend is returned when the notification backend rejects a message.
	ErrNotificationSend = zerr.New("failed to send notification")
)

// withKind marks cause as kind: errors.Is matches both kind and cause.
// A nil cause yields kind alone, ready for zerr.With metadata.
func withKind(kind, cause error) error {
	if cause == nil {
		return zerr.Wrap(kind, "")
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
