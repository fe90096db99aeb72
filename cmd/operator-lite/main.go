// Package main is operator-lite, a local stand-in for the operator agent
// backend. It serves the /chat contract the control plane dispatches
// conversational text to, answering with canned replies so channel and
// pipeline wiring can be exercised without a real agent.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text" binding:"required"`
}

type chatResponse struct {
	OK    bool   `json:"ok"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// reply produces a canned response keyed on the first word.
func reply(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	if len(fields) == 0 {
		return "say something and I will echo it back"
	}
	switch fields[0] {
	case "hello", "hi", "hey":
		return "hello, the operator backend is listening"
	case "ping":
		return "pong"
	case "time":
		return time.Now().UTC().Format(time.RFC3339)
	default:
		return "operator-lite received: " + text
	}
}

func main() {
	addr := flag.String("addr", "127.0.0.1:7344", "listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	r.POST("/chat", func(c *gin.Context) {
		var req chatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, chatResponse{OK: false, Error: "invalid_json"})
			return
		}
		logger.Info("chat turn",
			slog.String("session_id", req.SessionID),
			slog.Int("text_len", len(req.Text)))
		c.JSON(http.StatusOK, chatResponse{OK: true, Reply: reply(req.Text)})
	})

	logger.Info("operator-lite listening", slog.String("addr", *addr))
	if err := r.Run(*addr); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		os.Exit(1)
	}
}
