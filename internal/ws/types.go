package ws

const (
	// client - server
	MsgJoinQueue      = "join_queue"
	MsgLeaveQueue     = "leave_queue"
	MsgSubmitMove     = "submit_move"
	MsgPaddleIntent   = "paddle_intent"
	MsgForfeit        = "forfeit"
	MsgRestartRequest = "restart_request"
	MsgPing           = "ping"

	// server - client
	MsgReady                = "ready"
	MsgQueued               = "queued"
	MsgMatchFound           = "match_found"
	MsgLeft                 = "left"
	MsgStateUpdate          = "state_update"
	MsgMoveRejected         = "move_rejected"
	MsgRestartPending       = "restart_pending"
	MsgOpponentDisconnected = "opponent_disconnected"
	MsgPong                 = "pong"
	MsgError                = "error"
)
