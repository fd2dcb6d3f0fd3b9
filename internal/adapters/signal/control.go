package signal

// Application-level ping for clients that cannot see websocket
// control frames.
func (ctl *Controller) handlePing(conn *wsConn) {
	ctl.sendJSON(conn, "pong", nil)
}
