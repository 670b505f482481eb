package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// RPCMessage represents a complete message in the RPC protocol
type RPCMessage struct {
	Req *RPCData `json:"req,omitempty"`
}

// RPCData represents the common structure for both requests and responses
// Format: [request_id, method, params, ts]
type RPCData struct {
	RequestID uint64 `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params"`
	Timestamp uint64 `json:"ts"`
}

// MarshalJSON implements the json.Marshaler interface for RPCData
func (m RPCData) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		m.RequestID,
		m.Method,
		m.Params,
		m.Timestamp,
	})
}

// Client is a websocket client of the battle server
type Client struct {
	conn          *websocket.Conn
	userID        string // User the connection registers as
	token         string // Token issued by the server, if tokens are enabled
	noAuth        bool   // Flag to indicate if registration should be skipped
	serverURL     string // Server URL for reconnection
	nextRequestID uint64 // Counter for request IDs
}

// NewClient creates a new websocket client
func NewClient(serverURL, userID, token string, noAuth bool) (*Client, error) {
	if userID == "" && token == "" && !noAuth {
		return nil, errors.New("a user id or a token is required unless noAuth is enabled")
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	return &Client{
		conn:          conn,
		userID:        userID,
		token:         token,
		noAuth:        noAuth,
		serverURL:     serverURL,
		nextRequestID: 1000,
	}, nil
}

// SendMessage sends an RPC message to the server
func (c *Client) SendMessage(rpcMsg RPCMessage) error {
	data, err := json.Marshal(rpcMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Register binds the connection to the client's user and waits for the
// "registered" response. Notifications received meanwhile are printed.
func (c *Client) Register() error {
	if c.noAuth {
		fmt.Println("Registration skipped (noauth mode)")
		return nil
	}

	requestID := c.nextRequestID
	c.nextRequestID++

	params := map[string]any{"user_id": c.userID}
	if c.token != "" {
		params["token"] = c.token
	}
	msg := RPCMessage{Req: &RPCData{
		RequestID: requestID,
		Method:    "register",
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}}
	if err := c.SendMessage(msg); err != nil {
		return err
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		c.conn.SetReadDeadline(deadline)
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read register response: %w", err)
		}

		var frame struct {
			Res []json.RawMessage `json:"res"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil || len(frame.Res) != 4 {
			continue
		}

		var id uint64
		var method string
		json.Unmarshal(frame.Res[0], &id)
		json.Unmarshal(frame.Res[1], &method)
		if id != requestID {
			fmt.Printf("\nNotification %s:\n%s\n", method, string(frame.Res[2]))
			continue
		}
		if method == "error" {
			return fmt.Errorf("server rejected registration: %s", string(frame.Res[2]))
		}

		fmt.Printf("Registered: %s\n", string(frame.Res[2]))
		c.conn.SetReadDeadline(time.Time{})
		return nil
	}
}

// Close closes the websocket connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func main() {
	var (
		methodFlag = flag.String("method", "", "RPC method name (e.g. create_challenge, join_battle, submit_action)")
		idFlag     = flag.Uint64("id", 1, "Request ID")
		paramsFlag = flag.String("params", "{}", "JSON object of parameters")
		sendFlag   = flag.Bool("send", false, "Send the message to the server")
		serverFlag = flag.String("server", "ws://localhost:8000/ws", "WebSocket server URL (or set SERVER env)")
		userFlag   = flag.String("user", "", "User id to register as (or set BATTLENODE_USER env)")
		tokenFlag  = flag.String("token", "", "Token to register with (or set BATTLENODE_TOKEN env)")
		noAuthFlag = flag.Bool("noauth", false, "Skip registration")
		waitFlag   = flag.Duration("wait", 2*time.Second, "How long to wait for further server messages")
	)

	flag.Parse()

	if serverEnv := os.Getenv("SERVER"); serverEnv != "" {
		*serverFlag = serverEnv
	}
	if *userFlag == "" {
		*userFlag = os.Getenv("BATTLENODE_USER")
	}
	if *tokenFlag == "" {
		*tokenFlag = os.Getenv("BATTLENODE_TOKEN")
	}

	if *methodFlag == "" {
		fmt.Println("Error: method is required")
		flag.Usage()
		os.Exit(1)
	}

	// Parse params
	var params map[string]any
	if err := json.Unmarshal([]byte(*paramsFlag), &params); err != nil {
		log.Fatalf("Error parsing params JSON: %v", err)
	}

	rpcMessage := RPCMessage{Req: &RPCData{
		RequestID: *idFlag,
		Method:    *methodFlag,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}}

	printMessageInfo(rpcMessage, *sendFlag, *userFlag, *tokenFlag != "", *noAuthFlag, *serverFlag)

	if *sendFlag {
		client, err := NewClient(*serverFlag, *userFlag, *tokenFlag, *noAuthFlag)
		if err != nil {
			log.Fatalf("Error creating client: %v", err)
		}
		defer client.Close()

		if err := client.Register(); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}

		if err := client.SendMessage(rpcMessage); err != nil {
			log.Fatalf("Error sending message: %v", err)
		}

		readResponses(client, *waitFlag)
	}
}

// printMessageInfo displays information about the message to be sent
func printMessageInfo(rpcMessage RPCMessage, sendFlag bool, userID string, hasToken, noAuthFlag bool, serverFlag string) {
	fmt.Println("\nPayload:")
	output, err := json.MarshalIndent(rpcMessage, "", "  ")
	if err != nil {
		log.Fatalf("Error marshaling final message: %v", err)
	}
	fmt.Println(string(output))

	if !sendFlag {
		fmt.Println("\nDescription:")

		switch {
		case noAuthFlag:
			fmt.Println("\nRegistration: None (--noauth flag)")
		case hasToken:
			fmt.Println("\nRegistration: Using the provided token")
		default:
			fmt.Printf("\nRegistration: Declaring user id %q\n", userID)
		}

		fmt.Printf("\nTarget server: %s\n", serverFlag)
		fmt.Println("\nTo execute this plan, run with the --send flag")
		fmt.Println()
	}
}

// readResponses reads and displays responses and battle events from the server
func readResponses(client *Client, wait time.Duration) {
	fmt.Println("\nServer responses:")
	responseCount := 0

	for {
		client.conn.SetReadDeadline(time.Now().Add(wait))

		_, respMsg, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) ||
				websocket.IsUnexpectedCloseError(err) {
				fmt.Println("Connection closed by server.")
				break
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if responseCount > 0 {
					fmt.Println("No more messages received.")
				} else {
					fmt.Println("No response received within timeout period.")
				}
				break
			}
			log.Fatalf("Error reading response: %v", err)
		}

		var respObj map[string]any
		if err := json.Unmarshal(respMsg, &respObj); err != nil {
			log.Fatalf("Error parsing response: %v", err)
		}
		respOut, err := json.MarshalIndent(respObj, "", "  ")
		if err != nil {
			log.Fatalf("Error marshaling response: %v", err)
		}

		fmt.Printf("\nResponse #%d:\n", responseCount+1)
		fmt.Println(string(respOut))
		responseCount++
	}
}
