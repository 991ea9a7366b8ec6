package mpubsub

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Greeting struct {
	Name string `cbor:"1,keyasint,omitempty"`
}

type Greeter struct {
	got chan string
}

func (g *Greeter) Hello(msg *Greeting) {
	g.got <- msg.Name
}

// loopbackPair returns a PubSub whose publisher writes straight into its own reader.
// Unicast UDP on loopback stands in for the multicast group.
func loopbackPair(t *testing.T) *PubSub {
	t.Helper()
	rc, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	wc, err := net.DialUDP("udp4", nil, rc.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() {
		rc.Close()
		wc.Close()
	})
	return New(rc, wc)
}

func listen(t *testing.T, ps *PubSub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ps.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("Listen did not return after cancel")
		}
	})
}

func TestPublishDispatch(t *testing.T) {
	ps := loopbackPair(t)
	g := &Greeter{got: make(chan string, 4)}
	require.NoError(t, ps.Register(g))
	listen(t, ps)

	require.NoError(t, ps.Publish("Greeter.Hello", &Greeting{Name: "alice"}))

	select {
	case name := <-g.got:
		assert.Equal(t, "alice", name)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestUndeliverableMessagesAreReported(t *testing.T) {
	ps := loopbackPair(t)
	g := &Greeter{got: make(chan string, 4)}
	require.NoError(t, ps.Register(g))

	errs := make(chan error, 4)
	ps.OnError(func(err error) { errs <- err })
	listen(t, ps)

	require.NoError(t, ps.Publish("Greeter.Missing", &Greeting{Name: "bob"}))
	_, err := ps.wc.Write([]byte{0xff, 0x00, 0x13})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.Error(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("error was not reported")
		}
	}

	// Delivery continues after bad input
	require.NoError(t, ps.Publish("Greeter.Hello", &Greeting{Name: "carol"}))
	select {
	case name := <-g.got:
		assert.Equal(t, "carol", name)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestRegisterRejectsUnsuitableTypes(t *testing.T) {
	ps := New(nil, nil)
	assert.Error(t, ps.Register(struct{}{}))
	assert.Error(t, ps.Register(&Greeting{}))
}
