package server

import (
	"log"
	"net/http"
	"sync"

	"crashpoint/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // In production, implement proper origin checks
	},
}

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type Client struct {
	conn     *websocket.Conn
	send     chan WSMessage
	done     chan struct{}
	shutOnce sync.Once
	userID   string // empty for spectators
}

// shutdown signals both pumps to exit. Safe to call from any goroutine, any
// number of times; the send channel is never closed, only abandoned.
func (client *Client) shutdown() {
	client.shutOnce.Do(func() { close(client.done) })
}

// Hub fans engine events out to connected clients. It is the process's
// BroadcastGateway: global events go to everyone, bets/balance updates only
// to the sockets authenticated as that user.
type Hub struct {
	clients sync.Map
}

func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) RoundState(state models.RoundState) {
	h.broadcast(WSMessage{Type: "round:state", Payload: state})
}

func (h *Hub) FlightTick(roundID string, multiplier float64, elapsedMs int64) {
	h.broadcast(WSMessage{Type: "flight:tick", Payload: gin.H{
		"roundId":    roundID,
		"multiplier": multiplier,
		"elapsedMs":  elapsedMs,
	}})
}

func (h *Hub) RoundCrash(roundID string, crashMultiplier float64, serverSeed string, endedAt int64) {
	h.broadcast(WSMessage{Type: "round:crash", Payload: gin.H{
		"roundId":         roundID,
		"crashMultiplier": crashMultiplier,
		"serverSeed":      serverSeed,
		"endedAt":         endedAt,
	}})
}

func (h *Hub) HistoryUpdate(history []float64) {
	h.broadcast(WSMessage{Type: "history:update", Payload: history})
}

func (h *Hub) BetsUpdate(userID string, bets []models.Bet) {
	h.sendToUser(userID, WSMessage{Type: "bets:update", Payload: bets})
}

func (h *Hub) BalanceUpdate(userID string, balance int64) {
	h.sendToUser(userID, WSMessage{Type: "balance:update", Payload: gin.H{"balance": balance}})
}

func (h *Hub) broadcast(message WSMessage) {
	h.clients.Range(func(key, _ interface{}) bool {
		h.deliver(key.(*Client), message)
		return true
	})
}

func (h *Hub) sendToUser(userID string, message WSMessage) {
	h.clients.Range(func(key, _ interface{}) bool {
		client := key.(*Client)
		if client.userID == userID {
			h.deliver(client, message)
		}
		return true
	})
}

func (h *Hub) deliver(client *Client, message WSMessage) {
	select {
	case client.send <- message:
	case <-client.done:
	default:
		// Slow consumer; drop it rather than block the broadcast.
		h.clients.Delete(client)
		client.shutdown()
	}
}

func (s *GameServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan WSMessage, 256),
		done: make(chan struct{}),
	}

	// Spectators connect without a token; bets/balance pushes need one.
	if token := c.Query("token"); token != "" {
		if claims, err := s.auth.ValidateToken(token); err == nil {
			client.userID = claims.UserID
		}
	}

	s.hub.clients.Store(client, true)

	// Catch the newcomer up on the live round and recent crashes.
	if state, ok := s.engine.GetPublicRoundState(); ok {
		client.send <- WSMessage{Type: "round:state", Payload: state}
	}
	client.send <- WSMessage{Type: "history:update", Payload: s.engine.RecentCrashHistory()}

	go client.writePump()
	go client.readPump(s.hub)
}

func (client *Client) writePump() {
	defer client.conn.Close()

	for {
		select {
		case message := <-client.send:
			if err := client.conn.WriteJSON(message); err != nil {
				client.shutdown()
				return
			}
		case <-client.done:
			return
		}
	}
}

func (client *Client) readPump(hub *Hub) {
	defer func() {
		hub.clients.Delete(client)
		client.shutdown()
		client.conn.Close()
	}()

	for {
		var message WSMessage
		if err := client.conn.ReadJSON(&message); err != nil {
			break
		}
		// Bet operations arrive over the HTTP API; the socket is read-only.
	}
}
