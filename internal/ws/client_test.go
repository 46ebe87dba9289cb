package ws

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yyrichy/easyboard/internal/codec"
	"github.com/yyrichy/easyboard/internal/crdt"
	"github.com/yyrichy/easyboard/internal/presence"
	"github.com/yyrichy/easyboard/internal/room"
)

func TestRoomName(t *testing.T) {
	cases := map[string]string{
		"/whiteboard":     "whiteboard",
		"/whiteboard/":    "whiteboard",
		"/a/b/c":          "a",
		"/":               DefaultRoom,
		"":                DefaultRoom,
		"//trailing":      DefaultRoom,
		"/room-with-dash": "room-with-dash",
	}
	for path, want := range cases {
		if got := RoomName(path); got != want {
			t.Errorf("RoomName(%q) = %q, want %q", path, got, want)
		}
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *room.Registry) {
	t.Helper()

	registry := room.NewRegistry()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(registry, w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func dial(t *testing.T, srv *httptest.Server, roomName string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + roomName
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (codec.MessageType, *codec.Decoder) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	msgType, dec, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Received undecodable frame: %v", err)
	}
	return msgType, dec
}

func readSyncBlob(t *testing.T, conn *websocket.Conn, wantStep codec.SyncStep) []byte {
	t.Helper()

	msgType, dec := readFrame(t, conn)
	if msgType != codec.MessageSync {
		t.Fatalf("Expected sync frame, got type %d", msgType)
	}
	step, err := dec.ReadVarUint()
	if err != nil {
		t.Fatalf("Sync frame missing step: %v", err)
	}
	if codec.SyncStep(step) != wantStep {
		t.Fatalf("Expected sync step %d, got %d", wantStep, step)
	}
	blob, err := dec.ReadVarBytes()
	if err != nil {
		t.Fatalf("Sync frame missing blob: %v", err)
	}
	return blob
}

func TestEndToEndSyncHandshake(t *testing.T) {
	srv, _ := newTestServer(t)

	// X connects, completes nothing but the server's opening step1,
	// and publishes U1.
	x := dial(t, srv, "r1")
	readSyncBlob(t, x, codec.SyncStep1)

	xDoc := crdt.NewDoc()
	u1 := xDoc.LocalUpdate([]byte("U1"))
	if err := x.WriteMessage(websocket.BinaryMessage, codec.EncodeSync(codec.SyncUpdate, u1)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	// A stats round-trip on X's connection guarantees the relay has
	// applied U1 before Y joins.
	if err := x.WriteMessage(websocket.BinaryMessage, codec.EncodeStatsRequest()); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if msgType, _ := readFrame(t, x); msgType != codec.MessageStats {
		t.Fatalf("Expected stats reply, got type %d", msgType)
	}

	// Y connects afterward; its handshake must yield a step2 payload
	// reproducing U1's effect on an empty document.
	y := dial(t, srv, "r1")
	readSyncBlob(t, y, codec.SyncStep1)

	yDoc := crdt.NewDoc()
	if err := y.WriteMessage(websocket.BinaryMessage, codec.EncodeSync(codec.SyncStep1, yDoc.StateVector())); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	step2 := readSyncBlob(t, y, codec.SyncStep2)
	if err := yDoc.ApplyUpdate(step2); err != nil {
		t.Fatalf("Applying step2 failed: %v", err)
	}
	if !bytes.Equal(yDoc.FullUpdate(), xDoc.FullUpdate()) {
		t.Error("Step2 should reproduce U1's effect exactly")
	}
}

func TestEndToEndUpdateBroadcast(t *testing.T) {
	srv, _ := newTestServer(t)

	a := dial(t, srv, "draw")
	readSyncBlob(t, a, codec.SyncStep1)
	b := dial(t, srv, "draw")
	readSyncBlob(t, b, codec.SyncStep1)

	update := crdt.NewDoc().LocalUpdate([]byte("shape"))
	if err := a.WriteMessage(websocket.BinaryMessage, codec.EncodeSync(codec.SyncUpdate, update)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	got := readSyncBlob(t, b, codec.SyncUpdate)
	if !bytes.Equal(got, update) {
		t.Error("Broadcast update mismatch")
	}
}

func TestEndToEndPresenceRemovalOnDisconnect(t *testing.T) {
	srv, registry := newTestServer(t)

	leaver := dial(t, srv, "r1")
	readSyncBlob(t, leaver, codec.SyncStep1)
	watcher := dial(t, srv, "r1")
	readSyncBlob(t, watcher, codec.SyncStep1)

	state := presence.EncodeState(42, 1, []byte("cursor"))
	if err := leaver.WriteMessage(websocket.BinaryMessage, codec.EncodeAwareness(state)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	table := presence.NewTable()
	msgType, dec := readFrame(t, watcher)
	if msgType != codec.MessageAwareness {
		t.Fatalf("Expected awareness frame, got type %d", msgType)
	}
	blob, err := dec.ReadVarBytes()
	if err != nil {
		t.Fatalf("Awareness frame missing blob: %v", err)
	}
	table.Merge(blob)
	if table.Len() != 1 {
		t.Fatalf("Watcher should see 1 participant, got %d", table.Len())
	}

	leaver.Close()

	msgType, dec = readFrame(t, watcher)
	if msgType != codec.MessageAwareness {
		t.Fatalf("Expected removal awareness frame, got type %d", msgType)
	}
	blob, err = dec.ReadVarBytes()
	if err != nil {
		t.Fatalf("Awareness frame missing blob: %v", err)
	}
	ch, err := table.Merge(blob)
	if err != nil {
		t.Fatalf("Removal merge failed: %v", err)
	}
	if len(ch.Removed) != 1 || ch.Removed[0] != 42 {
		t.Errorf("Expected participant 42 removed, got %+v", ch)
	}

	// The watcher still holds the room open after the leaver is gone.
	deadline := time.Now().Add(2 * time.Second)
	for registry.ConnCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.ConnCount() != 1 {
		t.Errorf("Expected 1 remaining connection, got %d", registry.ConnCount())
	}
	if registry.RoomCount() != 1 {
		t.Errorf("Room should survive while the watcher is connected, got %d", registry.RoomCount())
	}
}

func TestEndToEndStatsRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	a := dial(t, srv, "r1")
	readSyncBlob(t, a, codec.SyncStep1)
	b := dial(t, srv, "r1")
	readSyncBlob(t, b, codec.SyncStep1)
	dial(t, srv, "other") // must not count toward r1

	if err := a.WriteMessage(websocket.BinaryMessage, codec.EncodeStatsRequest()); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	msgType, dec := readFrame(t, a)
	if msgType != codec.MessageStats {
		t.Fatalf("Expected stats reply, got type %d", msgType)
	}
	count, err := dec.ReadVarUint()
	if err != nil {
		t.Fatalf("Stats reply missing count: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 connections in r1, got %d", count)
	}
}

func TestEndToEndRoomReclaim(t *testing.T) {
	srv, registry := newTestServer(t)

	conn := dial(t, srv, "ephemeral")
	readSyncBlob(t, conn, codec.SyncStep1)

	if registry.RoomCount() != 1 {
		t.Fatalf("Expected 1 room, got %d", registry.RoomCount())
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for registry.RoomCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if registry.RoomCount() != 0 {
		t.Errorf("Room should be reclaimed after its last connection closes, got %d", registry.RoomCount())
	}
}
