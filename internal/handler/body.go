package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// maxBodySize caps request bodies. Checkout carts are small; anything above
// this is a client error.
const maxBodySize = 1 << 20

// decodeJSON reads a bounded request body, checks it is well-formed JSON
// with jx, and unmarshals it into target. The jx pass rejects malformed
// payloads before any partial decode.
func decodeJSON(r *http.Request, target any) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if !jx.Valid(data) {
		return errors.New("malformed json")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errors.Wrap(err, "unmarshal body")
	}
	return nil
}

// decodeJSONOptional is decodeJSON but treats an empty body as the zero
// value of target.
func decodeJSONOptional(r *http.Request, target any) error {
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodySize))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if len(data) == 0 {
		return nil
	}
	if !jx.Valid(data) {
		return errors.New("malformed json")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return errors.Wrap(err, "unmarshal body")
	}
	return nil
}
