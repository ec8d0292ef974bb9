package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventPublisherSessionFilter(t *testing.T) {
	p := NewEventPublisher(4)
	all := p.Subscribe("")
	only := p.Subscribe("session-1")
	defer p.Unsubscribe(all.ID)
	defer p.Unsubscribe(only.ID)

	p.Publish(&Event{Type: EventStarted, TransferID: "t1", SessionID: "session-1"})
	p.Publish(&Event{Type: EventStarted, TransferID: "t2", SessionID: "session-2"})

	assert.Len(t, all.Channel, 2)
	require.Len(t, only.Channel, 1)
	got := <-only.Channel
	assert.Equal(t, "t1", got.TransferID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestEventPublisherDropsOnFullBuffer(t *testing.T) {
	p := NewEventPublisher(1)
	sub := p.Subscribe("")
	defer p.Unsubscribe(sub.ID)

	p.Publish(&Event{Type: EventStarted, TransferID: "t1"})
	p.Publish(&Event{Type: EventProgressed, TransferID: "t1"}) // dropped

	require.Len(t, sub.Channel, 1)
	got := <-sub.Channel
	assert.Equal(t, EventStarted, got.Type)
}

func TestEventPublisherUnsubscribeClosesChannel(t *testing.T) {
	p := NewEventPublisher(1)
	sub := p.Subscribe("")
	assert.Equal(t, 1, p.SubscriptionCount())

	p.Unsubscribe(sub.ID)
	assert.Equal(t, 0, p.SubscriptionCount())
	_, open := <-sub.Channel
	assert.False(t, open)

	// Unsubscribing twice is harmless.
	p.Unsubscribe(sub.ID)
}

func TestPublishStatusCarriesTransferMetadata(t *testing.T) {
	p := NewEventPublisher(4)
	sub := p.Subscribe("")
	defer p.Unsubscribe(sub.ID)

	tr := NewTransfer("session-1", "tech-1", DirectionUpload, "report.txt", 2048, 1024)
	p.PublishStatus(tr, EventRequested, "transfer requested")

	got := <-sub.Channel
	assert.Equal(t, EventRequested, got.Type)
	assert.Equal(t, tr.ID, got.TransferID)
	assert.Equal(t, "session-1", got.SessionID)
	assert.Equal(t, "report.txt", got.Metadata["filename"])
	assert.Equal(t, "upload", got.Metadata["direction"])
	assert.Equal(t, "2048", got.Metadata["file_size"])
}
