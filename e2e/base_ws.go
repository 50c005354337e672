package e2e

import (
	"encoding/json"
	"fmt"
	"net/url"
	"testing"
	"time"

	"chat-gateway/auth"

	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"
)

// BaseWsSuite drives a running gateway over real sockets.
type BaseWsSuite struct {
	suite.Suite
	Config Config
	tokens *auth.Tokens
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseWsSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.GatewayAddr == "" {
		s.T().Skip("GATEWAY_ADDR is not set")
	}
	s.tokens, err = auth.NewTokens([]byte(s.Config.Secret), "")
	s.Require().NoError(err)
}

// Frame is a decoded server frame with its raw bytes kept for assertions.
type Frame struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Client is one socket with a name used in the logs.
type Client struct {
	s    *BaseWsSuite
	t    *testing.T
	name string
	conn *websocket.Conn
}

// Connect dials the gateway, prints a colorized header and reads the welcome frame.
func (s *BaseWsSuite) Connect(name string) *Client {
	t := s.T()
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	t.Log(header)

	u := url.URL{Scheme: "ws", Host: s.Config.GatewayAddr, Path: "/ws"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	s.Require().NoError(err, "Failed to connect to gateway at "+u.String())
	t.Cleanup(func() { _ = conn.Close() })

	c := &Client{s: s, t: t, name: name, conn: conn}
	c.Expect("connected")
	return c
}

// Login authenticates as userID with a freshly minted credential.
func (c *Client) Login(userID string) *Client {
	token, err := c.s.tokens.Generate(userID, userID, time.Hour)
	c.s.Require().NoError(err)
	c.Send(map[string]any{"type": "authenticate", "credential": token})
	c.Expect("authenticated")
	return c
}

func (c *Client) Send(frame map[string]any) {
	data, err := json.Marshal(frame)
	c.s.Require().NoError(err)
	if c.s.Config.DebugJSON {
		c.t.Logf("%s >> %s", c.name, data)
	}
	c.s.Require().NoError(c.conn.WriteMessage(websocket.TextMessage, data))
}

// Expect reads frames until one of the given type arrives, failing after five seconds.
func (c *Client) Expect(frameType string) Frame {
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, data, err := c.conn.ReadMessage()
		c.s.Require().NoError(err, "%s waiting for %s", c.name, frameType)
		if c.s.Config.DebugJSON {
			c.t.Logf("%s << %s", c.name, data)
		}
		var f Frame
		c.s.Require().NoError(json.Unmarshal(data, &f))
		f.Raw = data
		if f.Type == frameType {
			return f
		}
	}
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}
