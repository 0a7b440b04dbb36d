package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slink/im-client/internal/api"
	"github.com/slink/im-client/internal/app"
	"github.com/slink/im-client/internal/model"
	"github.com/slink/im-client/internal/socket"
	"github.com/slink/im-client/internal/store"
	"github.com/slink/im-client/internal/testserver"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func message(i int) model.Message {
	return model.Message{
		ID:        fmt.Sprintf("m%03d", i),
		ChannelID: "c1",
		UserID:    "u1",
		Body:      fmt.Sprintf("line %03d", i),
		CreatedAt: t0.Add(time.Duration(i) * time.Second),
	}
}

func lines(buf *bytes.Buffer) []string {
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestTailerBurstOfPushes(t *testing.T) {
	stores := store.New(nil)
	var buf bytes.Buffer
	tl := newTailer(stores, "c1", &buf)
	defer tl.watch()()

	// Arrives newest first, one push at a time, with nobody draining.
	for i := 199; i >= 0; i-- {
		stores.Messages.UpsertOne(message(i))
	}
	stores.Messages.UpsertOne(model.Message{ID: "x1", ChannelID: "c2", Body: "elsewhere", CreatedAt: t0})

	assert.Len(t, tl.dirty, 1)
	require.Equal(t, 200, tl.flush())

	got := lines(&buf)
	require.Len(t, got, 200)
	for i, line := range got {
		assert.True(t, strings.HasSuffix(line, fmt.Sprintf("line %03d", i)), "line %d: %q", i, line)
	}
	assert.NotContains(t, buf.String(), "elsewhere")
	assert.Equal(t, 0, tl.flush())
}

func TestTailerRefetchedHistoryPrintsOnlyTheGap(t *testing.T) {
	stores := store.New(nil)
	var buf bytes.Buffer
	tl := newTailer(stores, "c1", &buf)
	defer tl.watch()()

	history := make(map[string]model.Message)
	for i := 0; i < 100; i++ {
		m := message(i)
		history[m.ID] = m
	}
	stores.Messages.UpsertMany(history)
	require.Equal(t, 100, tl.flush())
	<-tl.dirty
	buf.Reset()

	gap := model.Message{ID: "m050b", ChannelID: "c1", UserID: "u1", Body: "missed", CreatedAt: t0.Add(50*time.Second + time.Millisecond)}
	refetched := make(map[string]model.Message, len(history)+1)
	for id, m := range history {
		refetched[id] = m
	}
	refetched[gap.ID] = gap
	stores.Messages.UpsertMany(refetched)

	assert.Len(t, tl.dirty, 1)
	require.Equal(t, 1, tl.flush())
	got := lines(&buf)
	require.Len(t, got, 1)
	assert.True(t, strings.HasSuffix(got[0], ": missed"))
}

func TestTailerPrintsMessagesMissedDuringReconnect(t *testing.T) {
	srv := testserver.New(t)
	alice := srv.AddUser("alice", "password1")
	ch := srv.AddChannel("general", false, alice.ID)
	srv.AddMessage(ch.ID, alice.ID, "before the drop", time.Now().Add(-time.Minute))

	client, err := api.New(srv.URL(), api.Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	a := app.New(client, nil, app.Options{Socket: socket.Options{ReconnectDelay: 20 * time.Millisecond}})
	t.Cleanup(a.Close)

	ctx := context.Background()
	_, err = a.SignOn(ctx, api.Credentials{Screenname: "alice", Password: "password1"})
	require.NoError(t, err)

	var buf bytes.Buffer
	tl := newTailer(a.Stores(), ch.ID, &buf)
	defer tl.watch()()

	_, err = a.OpenChat(ctx, ch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, tl.flush())

	path := testserver.ChannelPath(ch.ID)
	srv.WaitConnections(path, 1)
	require.Eventually(t, func() bool {
		w, ok := a.Windows().Get(ch.ID)
		return ok && w.Connected
	}, 5*time.Second, 5*time.Millisecond)

	srv.RejectUpgrades(true)
	srv.Drop(path)
	srv.AddMessage(ch.ID, alice.ID, "sent while offline", time.Now())
	srv.RejectUpgrades(false)

	require.Eventually(t, func() bool {
		select {
		case <-tl.dirty:
			tl.flush()
		default:
		}
		return strings.Contains(buf.String(), "sent while offline")
	}, 5*time.Second, 5*time.Millisecond)

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "before the drop"))
	assert.Less(t, strings.Index(out, "before the drop"), strings.Index(out, "sent while offline"))
}
