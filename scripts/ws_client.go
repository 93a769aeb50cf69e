// Package main runs a demo client: it registers an endpoint, watches the
// delivery stream and sends a test event.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	target := os.Getenv("TARGET_URL")
	if target == "" {
		target = "https://httpbin.org/post"
	}
	base := fmt.Sprintf("http://localhost:%s", port)
	hdr := http.Header{}
	hdr.Set("X-Company-Id", "demo")
	hdr.Set("X-Role", "admin")

	body, _ := json.Marshal(map[string]any{
		"name":   "demo receiver",
		"url":    target,
		"events": []string{"employee.created"},
	})
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/webhooks", bytes.NewReader(body))
	req.Header = hdr.Clone()
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var ep struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil || ep.ID == "" {
		log.Fatalf("create endpoint: status %d: %v", resp.StatusCode, err)
	}
	log.Printf("Endpoint %s (secret %s)", ep.ID, ep.Secret)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/webhooks/deliveries/stream"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s", msg)
		}
	}()

	testReq, _ := http.NewRequest(http.MethodPost, base+"/v1/webhooks/"+ep.ID+"/test", nil)
	testReq.Header = hdr.Clone()
	if resp, err := http.DefaultClient.Do(testReq); err == nil {
		_ = resp.Body.Close()
		log.Printf("test delivery: %s", resp.Status)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
