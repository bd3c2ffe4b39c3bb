package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/niczy/gitreview/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
)

type fakeAccounts map[int64]*models.Account

func (f fakeAccounts) GetAccount(_ context.Context, id int64) (*models.Account, error) {
	a, ok := f[id]
	if !ok {
		return nil, errors.New("no such account")
	}
	return a, nil
}

type capturingClient struct {
	mu   sync.Mutex
	msgs []*mail.Msg
}

func (c *capturingClient) DialAndSendWithContext(_ context.Context, msgs ...*mail.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	return nil
}

type failingSender struct{}

func (failingSender) Send(context.Context, Event) error { return errors.New("smtp down") }

func testAccounts() fakeAccounts {
	return fakeAccounts{
		1: {ID: 1, FullName: "Alice", PreferredEmail: "alice@example.com"},
		2: {ID: 2, FullName: "Bob", PreferredEmail: "bob@example.com"},
		3: {ID: 3, FullName: "Carol", PreferredEmail: "carol@example.com"},
	}
}

func TestQueueDeliversInOrder(t *testing.T) {
	rec := &Recorder{}
	q := NewQueue(rec, 4, nil)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Send(context.Background(), Event{Kind: KindNewChange, Change: models.Change{ID: i}}))
	}
	q.Close()
	require.NoError(t, q.Run(context.Background()))

	events := rec.Events()
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Change.ID)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	q := NewQueue(&Recorder{}, 1, nil)
	require.NoError(t, q.Send(context.Background(), Event{}))
	assert.ErrorIs(t, q.Send(context.Background(), Event{}), ErrQueueFull)
}

func TestQueueSurvivesSenderFailure(t *testing.T) {
	q := NewQueue(failingSender{}, 2, nil)
	require.NoError(t, q.Send(context.Background(), Event{}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Close()
	assert.NoError(t, q.Run(ctx))
}

func TestMailSenderRecipients(t *testing.T) {
	client := &capturingClient{}
	s := &MailSender{client: client, from: "review@example.com", accounts: testAccounts()}

	ev := Event{
		Kind:      KindNewPatchSet,
		Change:    models.Change{ID: 7, Subject: "Fix it", Project: "proj", Dest: "refs/heads/master", Key: "Iabc"},
		PatchSet:  models.PatchSet{ID: models.PatchSetID{ChangeID: 7, PatchSetNum: 2}, Revision: "deadbeef"},
		From:      1,
		Reviewers: []int64{1, 2, 99},
		CC:        []int64{3},
	}
	require.NoError(t, s.Send(context.Background(), ev))
	require.Len(t, client.msgs, 1)

	rcpts, err := client.msgs[0].GetRecipients()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob@example.com", "carol@example.com"}, rcpts)
	assert.Equal(t, []string{"Change 7, patch set 2: Fix it"}, client.msgs[0].GetGenHeader(mail.HeaderSubject))
}

func TestMailSenderSkipsEventsWithoutRecipients(t *testing.T) {
	client := &capturingClient{}
	s := &MailSender{client: client, from: "review@example.com", accounts: testAccounts()}

	require.NoError(t, s.Send(context.Background(), Event{Kind: KindMerged, From: 1, Reviewers: []int64{1}}))
	assert.Empty(t, client.msgs)
}

func TestSubject(t *testing.T) {
	c := models.Change{ID: 3, Subject: "Add thing"}
	assert.Equal(t, "Change 3: Add thing", Subject(Event{Kind: KindNewChange, Change: c}))
	assert.Equal(t, "Change 3 merged: Add thing", Subject(Event{Kind: KindMerged, Change: c}))
}
