package transport

import (
	"context"
	"encoding/json"
	"net/url"
)

// Transport is the only way the kiosk talks to the backing server.
type Transport interface {
	Call(ctx context.Context, endpoint string, method string, body any) (json.RawMessage, error)
}

// Prober reports whether the server is reachable right now.
type Prober interface {
	Ping(ctx context.Context) error
}

// Endpoint joins a path with an optional query.
func Endpoint(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}
	return path + "?" + query.Encode()
}

// Decode unmarshals a response body, treating an empty body as a zero value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}
