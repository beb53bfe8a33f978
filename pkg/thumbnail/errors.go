package thumbnail

import "errors"

var (
	// ErrSourceUnreadable means the source could not be stat'ed or opened.
	// It is treated as transient: no fail marker is written.
	ErrSourceUnreadable = errors.New("thumbnail: source unreadable")

	// ErrThumbnailFailed means decoding the source failed, now or on an
	// earlier attempt recorded by a fail marker.
	ErrThumbnailFailed = errors.New("thumbnail: source could not be thumbnailed")

	// ErrNoMetadata means a PNG lacks a usable Thumb::MTime text chunk.
	ErrNoMetadata = errors.New("thumbnail: missing thumbnail metadata")
)

// IsNoThumbnail reports whether err is an expected "no thumbnail" outcome of
// Resolve, as opposed to a failure writing the cache.
func IsNoThumbnail(err error) bool {
	return errors.Is(err, ErrSourceUnreadable) || errors.Is(err, ErrThumbnailFailed)
}
