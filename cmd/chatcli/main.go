// chatcli runs a scripted chat flow against a broker: register, pair,
// exchange one message, leave. Used for integration smoke runs.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lgbtaye777/ephemerium-chat/internal/protocol"
)

type cliConfig struct {
	url      string
	nickname string
	role     string
	target   string
	text     string
	timeout  time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chatcli failed: %v", err)
	}
	log.Printf("chatcli role %s completed as %s", cfg.role, cfg.nickname)
}

func parseConfig() cliConfig {
	var cfg cliConfig
	flag.StringVar(&cfg.url, "url", "ws://127.0.0.1:8080/ws", "Broker WebSocket URL")
	flag.StringVar(&cfg.nickname, "nickname", "", "Nickname to register")
	flag.StringVar(&cfg.role, "role", "caller", "Role for this client (caller|callee)")
	flag.StringVar(&cfg.target, "target", "", "Target nickname (caller only)")
	flag.StringVar(&cfg.text, "text", "hello from chatcli", "Message to send once paired")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "caller":
		if cfg.target == "" {
			log.Fatal("caller requires -target")
		}
	case "callee":
	default:
		log.Fatalf("unsupported role %s (expected caller or callee)", cfg.role)
	}
	if cfg.nickname == "" {
		log.Fatal("-nickname is required")
	}
	return cfg
}

func run(cfg cliConfig) error {
	conn, _, err := websocket.DefaultDialer.Dial(cfg.url, nil)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(cfg.timeout))

	if err := send(conn, protocol.ClientMessage{Type: protocol.TypeHello, Nickname: cfg.nickname}); err != nil {
		return err
	}
	first, err := recv(conn)
	if err != nil {
		return err
	}
	if first.Type != protocol.TypeHelloOK {
		return fmt.Errorf("expected hello_ok, got %s", first.Type)
	}

	if cfg.role == "caller" {
		if err := send(conn, protocol.ClientMessage{Type: protocol.TypeConnect, TargetNickname: cfg.target}); err != nil {
			return err
		}
	}
	return handleFrames(conn, cfg)
}

func handleFrames(conn *websocket.Conn, cfg cliConfig) error {
	var (
		paired      bool
		sentMessage bool
		sentLeave   bool
		receivedMsg bool
	)

	for {
		frame, err := recv(conn)
		if err != nil {
			return err
		}

		switch frame.Type {
		case protocol.TypeWaiting:
			log.Printf("waiting for %s (request %s)", frame.TargetNickname, frame.RequestID)
		case protocol.TypeIncomingRequest:
			if cfg.role != "callee" {
				return fmt.Errorf("unexpected incoming_request for role %s", cfg.role)
			}
			log.Printf("accepting request %s from %s", frame.RequestID, frame.FromNickname)
			if err := send(conn, protocol.ClientMessage{Type: protocol.TypeConnectAccept, RequestID: frame.RequestID}); err != nil {
				return err
			}
		case protocol.TypePaired:
			paired = true
			log.Printf("paired with %s (session %s)", frame.PeerNickname, frame.SessionID)
		case protocol.TypeMessage:
			if cfg.role == "callee" {
				if frame.Text != cfg.text && frame.From != cfg.nickname {
					log.Printf("received from %s: %s", frame.From, frame.Text)
				}
				receivedMsg = true
			}
		case protocol.TypeSystem:
			log.Printf("system: %s (%s)", frame.Text, frame.SystemKind)
		case protocol.TypeSessionEnd:
			log.Printf("session ended: %s", frame.Reason)
			if cfg.role == "caller" || receivedMsg {
				return nil
			}
			return fmt.Errorf("session ended before message arrived: %s", frame.Reason)
		case protocol.TypeError:
			return fmt.Errorf("error frame: %s %s", frame.Code, frame.Message)
		}

		if cfg.role == "caller" && paired && !sentMessage {
			if err := send(conn, protocol.ClientMessage{Type: protocol.TypeMessage, Text: cfg.text}); err != nil {
				return err
			}
			sentMessage = true
			continue
		}

		// Leave once our own echo confirms delivery.
		if cfg.role == "caller" && sentMessage && !sentLeave && frame.Type == protocol.TypeMessage {
			if err := send(conn, protocol.ClientMessage{Type: protocol.TypeLeave}); err != nil {
				return err
			}
			sentLeave = true
		}
	}
}

func send(conn *websocket.Conn, msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func recv(conn *websocket.Conn) (protocol.ServerMessage, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.ServerMessage{}, fmt.Errorf("read frame: %w", err)
	}
	var msg protocol.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return protocol.ServerMessage{}, fmt.Errorf("decode frame: %w", err)
	}
	return msg, nil
}
