package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Scene updates carry full
	// element batches and embedded image data URLs.
	maxMessageSize = 1024 * 1024 * 4

	// Rate limiting: 40 messages per second with a burst of 60. Drag
	// interactions stream scene updates continuously.
	messagesPerSecond = 40
	burstLimit        = 60
)

type MessageHandler func(client *Client, messageType int, messageBytes []byte)

func NewClient(conn *websocket.Conn, deviceId string, handler MessageHandler, onClose func(*Client)) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conn:     conn,
		deviceId: deviceId,
		handler:  handler,
		onClose:  onClose,
		Send:     make(chan []byte, 128),
		ctx:      ctx,
		cancel:   cancel,
		limiter:  rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
	}
}

// Client is a middleman between the websocket connection and the scene.
type Client struct {
	conn     *websocket.Conn
	deviceId string
	handler  MessageHandler
	onClose  func(*Client)
	Send     chan []byte // Buffered channel of outbound messages.
	ctx      context.Context
	cancel   context.CancelFunc
	limiter  *rate.Limiter
	closed   sync.Once
}

// TrySend queues a message without blocking. A slow or wedged peer drops
// frames rather than stalling the sync core; the next apply resynchronizes.
func (c *Client) TrySend(message []byte) {
	select {
	case c.Send <- message:
	default:
		log.Printf("WS send buffer full for device %s, dropping frame", c.deviceId)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closed.Do(func() {
		c.cancel()
		c.conn.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func (c *Client) ReadPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS close error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			log.Printf("Closing connection for device %s: message rate limit exceeded", c.deviceId)
			break
		}

		c.handler(c, messageType, messageBytes)
	}
}

func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WS send error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return

		case <-shutdownCtx.Done():
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Websocket service shutting down"),
			)
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
