package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"duel_arena/internal/game"
	"duel_arena/internal/logger"
	"duel_arena/internal/service"
	"duel_arena/internal/session"
	"duel_arena/internal/ws"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ws_smoke pairs two players on a running server and plays a tic-tac-toe game
// that side A wins along the top row.
func main() {
	_ = godotenv.Load()

	if err := service.InitJWT(os.Getenv("JWT_SECRET")); err != nil {
		logger.Fatal("jwt init failed", "error", err)
	}
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}
	suffix := fmt.Sprint(time.Now().Unix())

	connA := dial(port, service.Identity{UserID: "smoke-a-" + suffix, Name: "Smoke A"})
	defer connA.Close()
	connB := dial(port, service.Identity{UserID: "smoke-b-" + suffix, Name: "Smoke B"})
	defer connB.Close()

	join := ws.Message{Type: ws.MsgJoinQueue, Payload: ws.JoinQueuePayload{Config: &game.Options{Kind: game.KindTicTacToe}}}
	send(connA, join)
	send(connB, join)

	matchA := waitMatch(connA, "A")
	matchB := waitMatch(connB, "B")
	if matchA.Session.ID != matchB.Session.ID {
		logger.Fatal("players matched into different sessions", "a", matchA.Session.ID, "b", matchB.Session.ID)
	}
	logger.Info("matched", "session_id", matchA.Session.ID, "a_side", matchA.Side, "b_side", matchB.Side)

	first, second := connA, connB
	if matchA.Side != game.SideA {
		first, second = connB, connA
	}

	// first mover takes the top row, the other plays the middle row
	plan := []struct {
		conn *websocket.Conn
		pos  int
	}{{first, 0}, {second, 3}, {first, 1}, {second, 4}, {first, 2}}

	var last session.Snapshot
	for _, step := range plan {
		send(step.conn, ws.Message{Type: ws.MsgSubmitMove, Payload: ws.SubmitMovePayload{Position: step.pos}})
		// both players receive every update
		last = waitState(first)
		if other := waitState(second); other.Version != last.Version {
			logger.Fatal("players saw different versions", "a", last.Version, "b", other.Version)
		}
	}
	if last.Status != session.StatusFinished {
		logger.Fatal("session still active after winning line", "status", last.Status)
	}
	logger.Info("smoke test finished", "outcome", last.Outcome, "winner_id", deref(last.WinnerID), "ratings", last.NewRatings)
}

func dial(port string, id service.Identity) *websocket.Conn {
	token, err := service.GenerateJWT(id, time.Hour)
	if err != nil {
		logger.Fatal("generate token", "user_id", id.UserID, "error", err)
	}
	// use 127.0.0.1 to prefer IPv4 (avoid resolving to [::1])
	url := fmt.Sprintf("ws://127.0.0.1:%s/ws?token=%s", port, token)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		logger.Fatal("dial", "user_id", id.UserID, "error", err)
	}
	return conn
}

func send(conn *websocket.Conn, msg ws.Message) {
	if err := conn.WriteJSON(msg); err != nil {
		logger.Fatal("write", "type", msg.Type, "error", err)
	}
}

func next(conn *websocket.Conn, want string) json.RawMessage {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			logger.Fatal("read", "want", want, "error", err)
		}
		if f.Type == want {
			return f.Payload
		}
		if f.Type == ws.MsgMoveRejected || f.Type == ws.MsgError {
			logger.Fatal("server rejected", "type", f.Type, "payload", string(f.Payload))
		}
	}
	logger.Fatal("timed out", "want", want)
	return nil
}

func waitMatch(conn *websocket.Conn, name string) ws.MatchFoundPayload {
	var p ws.MatchFoundPayload
	if err := json.Unmarshal(next(conn, ws.MsgMatchFound), &p); err != nil {
		logger.Fatal("decode match_found", "player", name, "error", err)
	}
	return p
}

func waitState(conn *websocket.Conn) session.Snapshot {
	var p ws.StateUpdatePayload
	if err := json.Unmarshal(next(conn, ws.MsgStateUpdate), &p); err != nil {
		logger.Fatal("decode state_update", "error", err)
	}
	return p.Session
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
