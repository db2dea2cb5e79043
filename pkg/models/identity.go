package models

// Identity is the verified principal behind a connection, derived from the
// bearer token at handshake time.
type Identity struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// OnlineUser is one entry of the onlineUsers broadcast. An identity with
// several live connections appears once.
type OnlineUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}
