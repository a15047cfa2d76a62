package conv

import "errors"

var (
	// ErrNotConfigured signals an operation that needs a backend which was
	// never wired (e.g. storing without object storage).
	ErrNotConfigured = errors.New("backend is not configured")
	// ErrUnsupportedExtension signals a converted artifact whose extension
	// has no known content type.
	ErrUnsupportedExtension = errors.New("unsupported artifact extension")
	// ErrUnknownFileType signals a source file the detector could not
	// classify.
	ErrUnknownFileType = errors.New("unknown file type")
	// ErrDownloadTooLarge signals a source exceeding the download byte cap.
	ErrDownloadTooLarge = errors.New("download exceeds size limit")
	// ErrEncodeFailed signals a media tool subprocess exiting non-zero.
	ErrEncodeFailed = errors.New("encode failed")
	// ErrMalformedJob signals a queue message that did not decode. The
	// message is removed from the queue before this is returned.
	ErrMalformedJob = errors.New("malformed queue message")
)
