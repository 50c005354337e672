package e2e

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type testChatSuite struct {
	BaseWsSuite
}

func TestChatSuite(t *testing.T) {
	suite.Run(t, &testChatSuite{})
}

func (s *testChatSuite) TestChannelAndPrivateFlow() {
	alice := s.Connect("Alice").Login("e2e-alice")
	bob := s.Connect("Bob").Login("e2e-bob")

	var messageID string
	s.Run("Step 1: both join general and Alice talks", func() {
		alice.Send(map[string]any{"type": "join_channel", "channelId": "general"})
		alice.Expect("channel_joined")
		bob.Send(map[string]any{"type": "join_channel", "channelId": "general"})
		bob.Expect("channel_joined")

		alice.Send(map[string]any{"type": "send_message", "destinationId": "general", "content": "hello from e2e"})
		var got struct {
			Message struct {
				ID       string `json:"id"`
				AuthorID string `json:"authorId"`
				Content  string `json:"content"`
			} `json:"message"`
		}
		s.Require().NoError(bob.Expect("new_message").Decode(&got))
		s.Equal("e2e-alice", got.Message.AuthorID)
		s.Equal("hello from e2e", got.Message.Content)
		messageID = got.Message.ID
	})

	s.Run("Step 2: Bob reacts and Alice sees it", func() {
		bob.Send(map[string]any{"type": "add_reaction", "destinationId": "general", "messageId": messageID, "emoji": "👍"})
		var got struct {
			UserID string `json:"userId"`
			Emoji  string `json:"emoji"`
		}
		s.Require().NoError(alice.Expect("reaction_added").Decode(&got))
		s.Equal("e2e-bob", got.UserID)
	})

	s.Run("Step 3: Alice writes to Bob privately", func() {
		alice.Send(map[string]any{"type": "send_private_message", "recipientId": "e2e-bob", "content": "psst"})
		var got struct {
			Message struct {
				DestinationID string `json:"destinationId"`
			} `json:"message"`
		}
		s.Require().NoError(bob.Expect("new_message").Decode(&got))
		s.Equal("conv_9_e2e-alice_e2e-bob", got.Message.DestinationID)
	})
}

func (s *testChatSuite) TestSupersession() {
	first := s.Connect("First session").Login("e2e-carol")
	second := s.Connect("Second session").Login("e2e-carol")

	first.Expect("session_superseded")
	second.Send(map[string]any{"type": "ping"})
	second.Expect("pong")
}
