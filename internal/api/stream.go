package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 20 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// streamDeliveries handles GET /v1/webhooks/deliveries/stream. Each delivery
// state change for the caller's company is written as one JSON text frame.
func (s *Server) streamDeliveries(w http.ResponseWriter, r *http.Request) {
	company := principalFrom(r.Context()).CompanyID
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.broker.Subscribe(company)
	defer s.broker.Unsubscribe(company, ch)
	log := s.log.WithField("company_id", company)
	log.Debug("delivery stream opened")

	// Clients send nothing but control frames; the read loop only notices closure.
	closed := make(chan struct{})
	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(streamPongWait)) })
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.WithError(err).Debug("delivery stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			log.Debug("delivery stream closed by client")
			return
		case <-r.Context().Done():
			return
		}
	}
}
