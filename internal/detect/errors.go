package detect

import "errors"

// Sentinel errors returned by [Classifier.Classify] and used by the HTTP
// layer to choose a status code. Check with [errors.Is].
var (
	// ErrMissingInput means the request carried no image at all.
	ErrMissingInput = errors.New("detect: no image provided")

	// ErrDecode means the payload is not a decodable raster image. Errors
	// carrying it also match [preprocess.ErrDecode].
	ErrDecode = errors.New("detect: image could not be decoded")

	// ErrModel means the embedding model failed or produced vectors that
	// cannot be scored.
	ErrModel = errors.New("detect: model inference failed")
)
