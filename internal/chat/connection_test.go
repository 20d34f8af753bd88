package chat_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/bcrypt"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/room"
	"github.com/omochice/roomchat/internal/store"
	"github.com/omochice/roomchat/pkg/protocol"
)

// pipeConn adapts one end of net.Pipe to chat.Conn.
type pipeConn struct {
	net.Conn
}

func (p pipeConn) CloseWrite() error  { return nil }
func (p pipeConn) RemoteAddr() string { return "pipe" }

type counterIDs struct {
	n atomic.Int64
}

func (c *counterIDs) NextID() int64 { return 1000 + c.n.Add(1) }

type fixture struct {
	ctx   context.Context
	store *store.Memory
	rooms *room.Registry
	pool  *chat.Pool
}

func newFixture(t *testing.T, opts ...chat.Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &fixture{
		ctx:   ctx,
		store: store.NewMemory(store.WithHashCost(bcrypt.MinCost)),
		rooms: room.New(),
	}
	f.pool = chat.NewPool(0, f.store, f.rooms, &counterIDs{}, opts...)
	return f
}

// connect assigns a new pipe to the pool and serves it.
func (f *fixture) connect(t *testing.T) (*chat.Connection, *testClient, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	c, err := f.pool.Assign(pipeConn{server})
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- c.Serve(f.ctx) }()
	return c, &testClient{conn: client}, errc
}

type testClient struct {
	conn net.Conn
}

func (c *testClient) send(t *testing.T, frames ...[]byte) {
	t.Helper()
	if _, err := c.conn.Write(bytes.Join(frames, nil)); err != nil {
		t.Fatalf("write request: %v", err)
	}
}

// sendAsync writes without waiting for the server to consume the bytes.
func (c *testClient) sendAsync(frames ...[]byte) {
	data := bytes.Join(frames, nil)
	go func() { _, _ = c.conn.Write(data) }()
}

func (c *testClient) next(t *testing.T) (protocol.Command, protocol.Response) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, body, err := protocol.ReadFrame(c.conn, 0)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp protocol.Response
	if err := resp.Decode(body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return h.Command, resp
}

func (c *testClient) register(t *testing.T, login, password string) int64 {
	t.Helper()
	c.send(t, protocol.NewRegistrationRequest(login, password))
	cmd, resp := c.next(t)
	if cmd != protocol.RegistrationResponse || resp.Register == nil {
		t.Fatalf("got %s, want REGISTRATION_RESPONSE", cmd)
	}
	return resp.Register.ClientID
}

func (c *testClient) join(t *testing.T, roomID int64) bool {
	t.Helper()
	c.send(t, protocol.NewJoinRoomRequest(roomID))
	cmd, resp := c.next(t)
	if cmd != protocol.JoinRoomResponse || resp.JoinRoom == nil {
		t.Fatalf("got %s, want JOIN_ROOM_RESPONSE", cmd)
	}
	if resp.JoinRoom.RoomID != roomID {
		t.Errorf("join response room = %d, want %d", resp.JoinRoom.RoomID, roomID)
	}
	return resp.JoinRoom.Success
}

func (c *testClient) expectClosed(t *testing.T) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf [1]byte
	if _, err := c.conn.Read(buf[:]); err != io.EOF {
		t.Fatalf("read after teardown error = %v, want EOF", err)
	}
}

func (c *testClient) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	var buf [1]byte
	_, err := c.conn.Read(buf[:])
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("read = %v, want timeout", err)
	}
}

func TestConnection_RegisterThenAuthorise(t *testing.T) {
	f := newFixture(t)

	_, first, _ := f.connect(t)
	id := first.register(t, "alice", "secret")
	if id == protocol.NoIdentity {
		t.Fatal("registration failed")
	}

	conn, second, _ := f.connect(t)

	second.send(t, protocol.NewAuthorisationRequest("alice", "wrong"))
	cmd, resp := second.next(t)
	if cmd != protocol.AuthorisationResponse || resp.Input == nil || resp.Input.ClientID != protocol.NoIdentity {
		t.Fatalf("wrong secret: got %s %+v, want NoIdentity", cmd, resp.Input)
	}

	second.send(t, protocol.NewAuthorisationRequest("alice", "secret"))
	_, resp = second.next(t)
	if resp.Input == nil || resp.Input.ClientID != id {
		t.Fatalf("authorisation = %+v, want client id %d", resp.Input, id)
	}
	if conn.ClientID() != id || conn.Login() != "alice" {
		t.Errorf("identity = %d/%q, want %d/alice", conn.ClientID(), conn.Login(), id)
	}
}

func TestConnection_DuplicateRegistration(t *testing.T) {
	f := newFixture(t)
	if err := f.store.CreateAccount(context.Background(), "alice", 7, "pw"); err != nil {
		t.Fatal(err)
	}

	conn, client, errc := f.connect(t)
	client.send(t, protocol.NewRegistrationRequest("alice", "other"))

	cmd, resp := client.next(t)
	if cmd != protocol.RegistrationResponse || resp.Register == nil || resp.Register.ClientID != protocol.NoIdentity {
		t.Fatalf("got %s %+v, want rejected registration", cmd, resp.Register)
	}
	client.expectClosed(t)

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Serve() error = nil, want registration rejection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
	if conn.Busy() {
		t.Error("slot still busy after rejected registration")
	}
}

func TestConnection_PipelinedRequests(t *testing.T) {
	f := newFixture(t)
	conn, client, _ := f.connect(t)

	client.sendAsync(
		protocol.NewRegistrationRequest("bob", "pw"),
		protocol.NewJoinRoomRequest(1),
		protocol.NewJoinRoomRequest(2),
	)

	want := []protocol.Command{protocol.RegistrationResponse, protocol.JoinRoomResponse, protocol.JoinRoomResponse}
	var id int64
	for i, w := range want {
		cmd, resp := client.next(t)
		if cmd != w {
			t.Fatalf("response %d = %s, want %s", i, cmd, w)
		}
		switch i {
		case 0:
			id = resp.Register.ClientID
		case 1, 2:
			if !resp.JoinRoom.Success || resp.JoinRoom.RoomID != int64(i) {
				t.Errorf("response %d = %+v, want room %d joined", i, resp.JoinRoom, i)
			}
		}
	}

	if got := f.rooms.Members(1); len(got) != 0 {
		t.Errorf("room 1 members = %v, want none", got)
	}
	if got := f.rooms.Members(2); len(got) != 1 || got[0] != id {
		t.Errorf("room 2 members = %v, want [%d]", got, id)
	}
	if conn.RoomID() != 2 {
		t.Errorf("RoomID() = %d, want 2", conn.RoomID())
	}
}

func TestConnection_JoinWithoutIdentity(t *testing.T) {
	f := newFixture(t)
	conn, client, _ := f.connect(t)

	if client.join(t, 3) {
		t.Error("unauthenticated join succeeded")
	}
	if conn.RoomID() != 0 {
		t.Errorf("RoomID() = %d, want 0", conn.RoomID())
	}
}

func TestConnection_TextDeliveredToRoomMembers(t *testing.T) {
	f := newFixture(t)

	_, a, _ := f.connect(t)
	_, b, _ := f.connect(t)
	_, c, _ := f.connect(t)

	a.register(t, "a", "pw")
	b.register(t, "b", "pw")
	c.register(t, "c", "pw")
	a.join(t, 1)
	b.join(t, 1)
	c.join(t, 2)

	// The claimed login is ignored in favour of the session's.
	a.send(t, protocol.NewEchoRequest("mallory", 1, "hello"))

	for name, cl := range map[string]*testClient{"a": a, "b": b} {
		cmd, resp := cl.next(t)
		if cmd != protocol.EchoResponse || resp.Text == nil {
			t.Fatalf("%s got %s, want ECHO_RESPONSE", name, cmd)
		}
		if *resp.Text != (protocol.Text{Login: "a", RoomID: 1, Text: "hello"}) {
			t.Errorf("%s got %+v", name, *resp.Text)
		}
	}
	c.expectSilence(t, 100*time.Millisecond)

	if got := f.store.Messages(1); len(got) != 1 {
		t.Errorf("logged messages = %d, want 1", len(got))
	}
}

func TestConnection_TextOutsideJoinedRoomDropped(t *testing.T) {
	f := newFixture(t)

	_, a, _ := f.connect(t)
	_, b, _ := f.connect(t)
	a.register(t, "a", "pw")
	b.register(t, "b", "pw")
	b.join(t, 5)

	a.send(t, protocol.NewEchoRequest("a", 5, "not a member"))
	b.expectSilence(t, 100*time.Millisecond)

	if got := f.store.Messages(5); len(got) != 0 {
		t.Errorf("logged messages = %d, want 0", len(got))
	}
}

func TestConnection_UnknownCommandSkipped(t *testing.T) {
	f := newFixture(t)
	_, client, _ := f.connect(t)

	client.sendAsync(
		protocol.Frame(protocol.Command(99), []byte("ignored")),
		protocol.NewAuthorisationRequest("nobody", "pw"),
	)

	cmd, _ := client.next(t)
	if cmd != protocol.AuthorisationResponse {
		t.Errorf("got %s, want AUTHORISATION_RESPONSE", cmd)
	}
}

func TestConnection_Teardown(t *testing.T) {
	tests := []struct {
		name string
		opts []chat.Option
		send [][]byte
	}{
		{
			name: "malformed header",
			send: [][]byte{bytes.Repeat([]byte{0xff}, protocol.HeaderSize)},
		},
		{
			name: "body too large",
			opts: []chat.Option{chat.MaxBodySizeOption(16)},
			send: [][]byte{protocol.NewEchoRequest("a", 1, string(bytes.Repeat([]byte("x"), 64)))},
		},
		{
			name: "idle timeout",
			opts: []chat.Option{chat.IdleTimeoutOption(50 * time.Millisecond)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts...)
			conn, client, errc := f.connect(t)

			if len(tt.send) > 0 {
				client.sendAsync(tt.send...)
			}
			client.expectClosed(t)

			select {
			case err := <-errc:
				if err == nil {
					t.Error("Serve() error = nil")
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Serve() did not return")
			}
			if conn.Busy() {
				t.Error("slot still busy")
			}
		})
	}
}

func TestConnection_StalledClient(t *testing.T) {
	f := newFixture(t, chat.MaxQueueOption(1))
	conn, client, errc := f.connect(t)

	// Responses are never read, so the second one overflows the queue.
	client.sendAsync(
		protocol.NewAuthorisationRequest("x", "y"),
		protocol.NewAuthorisationRequest("x", "y"),
		protocol.NewAuthorisationRequest("x", "y"),
	)

	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
	if conn.Busy() {
		t.Error("slot still busy")
	}
}

func TestConnection_DisconnectLeavesRoom(t *testing.T) {
	f := newFixture(t)
	conn, client, errc := f.connect(t)

	client.register(t, "a", "pw")
	client.join(t, 9)
	if len(f.rooms.Members(9)) != 1 {
		t.Fatal("not a member after join")
	}

	_ = client.conn.Close()
	<-errc

	if got := f.rooms.Members(9); len(got) != 0 {
		t.Errorf("members after disconnect = %v, want none", got)
	}
	if conn.ClientID() != protocol.NoIdentity || conn.RoomID() != 0 || conn.QueueLen() != 0 {
		t.Errorf("slot not reset: id=%d room=%d queue=%d", conn.ClientID(), conn.RoomID(), conn.QueueLen())
	}
}

func (c *testClient) authorise(t *testing.T, login, password string) int64 {
	t.Helper()
	c.send(t, protocol.NewAuthorisationRequest(login, password))
	cmd, resp := c.next(t)
	if cmd != protocol.AuthorisationResponse || resp.Input == nil {
		t.Fatalf("got %s, want AUTHORISATION_RESPONSE", cmd)
	}
	return resp.Input.ClientID
}

func TestConnection_SharedIdentityKeepsRoomConsistent(t *testing.T) {
	f := newFixture(t)

	_, owner, _ := f.connect(t)
	id := owner.register(t, "alice", "pw")

	connA, a, errcA := f.connect(t)
	connB, b, errcB := f.connect(t)
	if a.authorise(t, "alice", "pw") != id || b.authorise(t, "alice", "pw") != id {
		t.Fatal("authorisation failed")
	}

	if !a.join(t, 1) {
		t.Fatal("A join failed")
	}
	if b.join(t, 1) {
		t.Error("B joined a room while A holds the identity")
	}
	if connB.RoomID() != 0 {
		t.Errorf("B RoomID() = %d, want 0", connB.RoomID())
	}

	// Tearing down B must not touch A's membership.
	_ = b.conn.Close()
	<-errcB
	if got := f.rooms.Members(1); len(got) != 1 || got[0] != id {
		t.Fatalf("Members(1) = %v, want [%d]", got, id)
	}
	if connA.RoomID() != 1 {
		t.Errorf("A RoomID() = %d, want 1", connA.RoomID())
	}

	a.send(t, protocol.NewEchoRequest("alice", 1, "still here"))
	if cmd, resp := a.next(t); cmd != protocol.EchoResponse || resp.Text == nil || resp.Text.Text != "still here" {
		t.Fatalf("A got %s, want its own ECHO_RESPONSE", cmd)
	}

	_ = a.conn.Close()
	<-errcA
	if got := f.rooms.Members(1); len(got) != 0 {
		t.Fatalf("Members(1) after A left = %v, want none", got)
	}

	connC, c, _ := f.connect(t)
	c.authorise(t, "alice", "pw")
	if !c.join(t, 1) {
		t.Fatal("C join after A left failed")
	}
	if connC.RoomID() != 1 {
		t.Errorf("C RoomID() = %d, want 1", connC.RoomID())
	}
	if got := f.rooms.Members(1); len(got) != 1 || got[0] != id {
		t.Errorf("Members(1) = %v, want [%d]", got, id)
	}
}

func TestConnection_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t)
	server, client := net.Pipe()
	defer client.Close()

	conn, err := f.pool.Assign(pipeConn{server})
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- conn.Serve(ctx) }()

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
}

func TestConnection_ServeErrors(t *testing.T) {
	f := newFixture(t)
	c := chat.NewConnection(0, f.store, f.rooms, &counterIDs{})

	if err := c.Serve(f.ctx); err != chat.ErrSlotFree {
		t.Errorf("Serve() on free slot = %v, want ErrSlotFree", err)
	}

	server, client := net.Pipe()
	defer client.Close()
	c.Reuse(pipeConn{server})
	go func() { _ = c.Serve(f.ctx) }()

	// A response proves the first pipeline is running.
	tc := &testClient{conn: client}
	tc.send(t, protocol.NewAuthorisationRequest("a", "b"))
	tc.next(t)

	if err := c.Serve(f.ctx); err != chat.ErrAlreadyServing {
		t.Errorf("second Serve() = %v, want ErrAlreadyServing", err)
	}
	c.Free()
	if c.Busy() {
		t.Error("Busy() after Free = true")
	}
	c.Free()
}

func TestConnection_FreeWaitsForPipeline(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newFixture(t)
	c := chat.NewConnection(0, f.store, f.rooms, &counterIDs{}, chat.LoggerOption(zap.New(core)))

	server, client := net.Pipe()
	defer client.Close()
	c.Reuse(pipeConn{server})
	done := make(chan error, 1)
	go func() { done <- c.Serve(f.ctx) }()

	tc := &testClient{conn: client}
	tc.register(t, "a", "pw")
	tc.join(t, 2)

	c.Free()

	// The pipeline logs its failed read before it returns.
	if n := logs.FilterMessage("read header").Len(); n != 1 {
		t.Errorf("read header entries = %d, want 1 once Free returns", n)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
	if c.Busy() || len(f.rooms.Members(2)) != 0 {
		t.Errorf("after Free: busy=%v members=%v", c.Busy(), f.rooms.Members(2))
	}

	freed := logs.FilterMessage("connection freed").All()
	if len(freed) != 1 {
		t.Fatalf("connection freed entries = %d, want 1", len(freed))
	}
	if reason := freed[0].ContextMap()["reason"]; reason != "free" {
		t.Errorf("reason = %v, want free", reason)
	}
}

func TestConnection_ReuseBusySlot(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := newFixture(t)
	c := chat.NewConnection(0, f.store, f.rooms, &counterIDs{}, chat.LoggerOption(zap.New(core)))

	oldServer, oldClient := net.Pipe()
	defer oldClient.Close()
	c.Reuse(pipeConn{oldServer})
	oldDone := make(chan error, 1)
	go func() { oldDone <- c.Serve(f.ctx) }()

	old := &testClient{conn: oldClient}
	id := old.register(t, "a", "pw")
	old.join(t, 4)

	newServer, newClient := net.Pipe()
	defer newClient.Close()
	c.Reuse(pipeConn{newServer})

	if n := logs.FilterMessage("reuse of busy connection slot").Len(); n != 1 {
		t.Errorf("anomaly log entries = %d, want 1", n)
	}
	select {
	case <-oldDone:
	case <-time.After(2 * time.Second):
		t.Fatal("previous pipeline still running")
	}
	if c.ClientID() != protocol.NoIdentity || c.RoomID() != 0 || !c.Busy() {
		t.Errorf("new occupant not clean: id=%d room=%d busy=%v", c.ClientID(), c.RoomID(), c.Busy())
	}
	if got := f.rooms.Members(4); len(got) != 0 {
		t.Errorf("previous occupant %d still in room: %v", id, got)
	}

	go func() { _ = c.Serve(f.ctx) }()
	fresh := &testClient{conn: newClient}
	fresh.send(t, protocol.NewAuthorisationRequest("a", "pw"))
	if _, resp := fresh.next(t); resp.Input == nil || resp.Input.ClientID != id {
		t.Errorf("authorisation on reused slot = %+v, want %d", resp.Input, id)
	}
}

func TestPool_AssignAndExhaust(t *testing.T) {
	f := newFixture(t)
	pool := chat.NewPool(1, f.store, f.rooms, &counterIDs{})

	s1, c1 := net.Pipe()
	defer c1.Close()
	first, err := pool.Assign(pipeConn{s1})
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	s2, c2 := net.Pipe()
	defer c2.Close()
	if _, err := pool.Assign(pipeConn{s2}); errors.Cause(err) != chat.ErrPoolExhausted {
		t.Fatalf("Assign() on full pool error = %v, want ErrPoolExhausted", err)
	}

	first.Free()
	second, err := pool.Assign(pipeConn{s2})
	if err != nil {
		t.Fatalf("Assign() after free error = %v", err)
	}
	if second.Slot() != first.Slot() || pool.Len() != 1 || pool.Active() != 1 {
		t.Errorf("slot %d reused as %d, len=%d active=%d", first.Slot(), second.Slot(), pool.Len(), pool.Active())
	}

	pool.FreeAll()
	if pool.Active() != 0 {
		t.Errorf("Active() after FreeAll = %d, want 0", pool.Active())
	}
}
