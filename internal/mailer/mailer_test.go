package mailer

import (
	"context"
	"testing"
)

func TestNullClientSendReplyNeverErrors(t *testing.T) {
	var c Client = NullClient{}
	err := c.SendReply(context.Background(), Reply{
		TaskID:  "t1",
		To:      []string{"user@example.com"},
		Subject: "Re: test",
		Body:    "done",
	})
	if err != nil {
		t.Fatalf("expected NullClient to never error, got %v", err)
	}
}
