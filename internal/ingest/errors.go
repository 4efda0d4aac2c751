package ingest

import "errors"

// ErrMalformedPayload is returned for webhook bodies that cannot become occurrences.
// Such bodies never reach the store.
var ErrMalformedPayload = errors.New("malformed webhook payload")
