package wslink

import "net/http"

// Accept upgrades an incoming HTTP request to a websocket connection
// and wraps it as a Link. The caller must have already validated the
// request (e.g. an access token) before calling Accept, since the
// upgrade response has no further opportunity to carry an error body.
func Accept(w http.ResponseWriter, r *http.Request) (*Link, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(conn), nil
}
