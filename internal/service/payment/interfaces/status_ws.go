package interfaces

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"paynexus/internal/pkg/logger"
	"paynexus/internal/service/payment/domain"
	"paynexus/internal/service/payment/domain/port"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { // 支付页与服务同源部署之外也允许
		return true
	},
}

// StatusHub 把订单状态变化推送给正在等待支付结果的页面，按订单号分组
type StatusHub struct {
	clients    map[string]map[*statusClient]struct{}
	register   chan *statusClient
	unregister chan *statusClient
	done       chan struct{}
	lock       sync.RWMutex
}

var _ port.EventPublisher = (*StatusHub)(nil)

func NewStatusHub() *StatusHub {
	return &StatusHub{
		clients:    make(map[string]map[*statusClient]struct{}),
		register:   make(chan *statusClient),
		unregister: make(chan *statusClient),
		done:       make(chan struct{}),
	}
}

// Run 维护连接表，ctx 结束时断开所有连接
func (h *StatusHub) Run(ctx context.Context) error {
	for {
		select {
		case c := <-h.register:
			h.lock.Lock()
			if h.clients[c.orderNo] == nil {
				h.clients[c.orderNo] = make(map[*statusClient]struct{})
			}
			h.clients[c.orderNo][c] = struct{}{}
			h.lock.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case <-ctx.Done():
			close(h.done)
			h.lock.Lock()
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*statusClient]struct{})
			h.lock.Unlock()
			return nil
		}
	}
}

func (h *StatusHub) remove(c *statusClient) {
	h.lock.Lock()
	defer h.lock.Unlock()
	set, ok := h.clients[c.orderNo]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.orderNo)
	}
}

// Publish 推送给订阅了该订单的连接。缓冲区满的连接丢弃本条消息。
func (h *StatusHub) Publish(ctx context.Context, event domain.PaymentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal status event")
	}
	h.lock.RLock()
	defer h.lock.RUnlock()
	for c := range h.clients[event.OrderNo] {
		select {
		case c.send <- payload:
		default:
			logger.Ctx(ctx).Warn().Str("order_no", event.OrderNo).Msg("status push dropped, client too slow")
		}
	}
	return nil
}

// Subscribers 返回订阅某订单的连接数
func (h *StatusHub) Subscribers(orderNo string) int {
	h.lock.RLock()
	defer h.lock.RUnlock()
	return len(h.clients[orderNo])
}

// ServeWs 处理 /api/wx-pay/ws?orderNo=...
func (h *StatusHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	orderNo := r.URL.Query().Get("orderNo")
	if orderNo == "" {
		writeJSON(w, http.StatusBadRequest, &R{Code: codeFail, Message: "orderNo is required"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &statusClient{hub: h, conn: conn, send: make(chan []byte, sendBuffer), orderNo: orderNo}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

type statusClient struct {
	hub     *StatusHub
	conn    *websocket.Conn
	send    chan []byte
	orderNo string
}

// readPump 只处理 pong 和关闭，页面不会上行业务消息
func (c *statusClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *statusClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
