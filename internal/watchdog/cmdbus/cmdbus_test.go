package cmdbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAllocatesMonotonicIDs(t *testing.T) {
	b := New()
	c1 := b.Issue(CmdFailoverCommand, []string{"peerA"}, time.Second, nil)
	c2 := b.Issue(CmdFailoverCommand, []string{"peerA"}, time.Second, nil)
	assert.Less(t, c1.ID, c2.ID)
	assert.NotEmpty(t, c1.TraceID)
}

func TestCompletionFiresOnAllReplied(t *testing.T) {
	b := New()
	var reason FinishReason
	fired := make(chan struct{})
	cmd := b.Issue(CmdNodeStatusChange, []string{"peerA", "peerB"}, time.Second, func(r FinishReason) {
		reason = r
		close(fired)
	})

	b.MarkSent(cmd.ID, "peerA")
	b.MarkSent(cmd.ID, "peerB")
	b.MarkReplied(cmd.ID, "peerA")
	select {
	case <-fired:
		t.Fatal("should not finish before all peers reply")
	default:
	}
	b.MarkReplied(cmd.ID, "peerB")

	<-fired
	assert.Equal(t, FinishedAllReplied, reason)
	assert.Equal(t, 0, b.InFlightCount())
}

func TestDoNotSendPeerDoesNotBlockCompletion(t *testing.T) {
	b := New()
	fired := make(chan struct{})
	cmd := b.Issue(CmdGetNodesList, []string{"peerA", "peerB"}, time.Second, func(FinishReason) { close(fired) })

	b.MarkDoNotSend(cmd.ID, "peerB")
	b.MarkReplied(cmd.ID, "peerA")
	<-fired
}

func TestMarkErrorFinishesImmediately(t *testing.T) {
	b := New()
	var reason FinishReason
	fired := make(chan struct{})
	cmd := b.Issue(CmdFailoverCommand, []string{"peerA", "peerB"}, time.Second, func(r FinishReason) {
		reason = r
		close(fired)
	})

	b.MarkError(cmd.ID, "peerA")
	<-fired
	assert.Equal(t, FinishedRejectedOrError, reason)
}

func TestSweepTimeoutsFiresAfterDeadline(t *testing.T) {
	b := New()
	fired := make(chan FinishReason, 1)
	cmd := b.Issue(CmdFailoverCommand, []string{"peerA"}, time.Millisecond, func(r FinishReason) { fired <- r })

	b.SweepTimeouts(time.Now().Add(time.Hour))
	require.Len(t, fired, 1)
	assert.Equal(t, FinishedTimeout, <-fired)
	assert.Equal(t, 0, b.InFlightCount())
	_ = cmd
}

func TestCancelEndsCommandEarly(t *testing.T) {
	b := New()
	fired := make(chan FinishReason, 1)
	cmd := b.Issue(CmdFailoverIndication, []string{"peerA"}, time.Hour, func(r FinishReason) { fired <- r })

	b.Cancel(cmd.ID, FinishedRejectedOrError)
	assert.Equal(t, FinishedRejectedOrError, <-fired)
}
