// Package rendezvous implements the reducer rendezvous: a TCP listener plus
// a bounded queue of reducer offers, brokering the job<->reducer handshake
// described in SPEC_FULL.md §4.4 and the wire protocol in §6.3.
//
// Each inbound connection runs its session as a small state machine on its
// own goroutine (HELLO_IN -> AWAIT_ASSIGN -> AWAIT_START_ACK -> AWAIT_DONE ->
// AWAIT_FINAL_ACK). Size-1 channels stand in for the original's async
// queues: a send/receive pair naturally synchronizes the handler goroutine
// with whichever controller goroutine eventually acquires the offer.
package rendezvous

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

// QueueCapacity is the process-wide bound on outstanding reducer offers
// (SPEC_FULL.md §4.4/§5): a 33rd concurrent reducer blocks in HELLO_IN until
// the controller drains the queue.
const QueueCapacity = 32

// Rendezvous owns the TCP listener and the offer queue.
type Rendezvous struct {
	listener net.Listener
	offers   chan types.ReducerOffer
}

// Listen binds addr and prepares the bounded offer queue. It does not yet
// accept connections — call Serve for that.
func Listen(addr string) (*Rendezvous, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Rendezvous{
		listener: ln,
		offers:   make(chan types.ReducerOffer, QueueCapacity),
	}, nil
}

// Addr returns the bound address (useful when addr was ":0" in tests).
func (r *Rendezvous) Addr() net.Addr { return r.listener.Addr() }

// Offers exposes the rendezvous queue for the controller's acquisition loop
// (SPEC_FULL.md §4.4.2).
func (r *Rendezvous) Offers() <-chan types.ReducerOffer { return r.offers }

// Close stops accepting new connections.
func (r *Rendezvous) Close() error { return r.listener.Close() }

// Serve accepts connections until the listener is closed, running each
// session on its own goroutine. It returns when Close is called (or any
// other unrecoverable accept error), matching the supervisor's
// "first-to-finish" contract in §4.6 — Serve returning at all is treated as
// this component having exited.
func (r *Rendezvous) Serve() error {
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return fmt.Errorf("rendezvous accept: %w", err)
		}
		go r.handleSession(conn)
	}
}

type helloMsg struct {
	Host string `msgpack:"host"`
	Port int    `msgpack:"port"`
}

type doneMsg struct {
	Done bool `msgpack:"done"`
}

func readFramed(conn net.Conn, v interface{}) error {
	var lenBuf [8]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return err
	}
	return msgpack.Unmarshal(payload, v)
}

func writeFramed(conn net.Conn, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = conn.Write(payload)
	return err
}

// handleSession drives one reducer connection through the §4.4.1 state
// machine. All transitions log and close on protocol violation, per spec.
func (r *Rendezvous) handleSession(conn net.Conn) {
	defer conn.Close()

	// HELLO_IN
	var hello helloMsg
	if err := readFramed(conn, &hello); err != nil {
		log.Printf("rendezvous: HELLO_IN read failed: %v", err)
		return
	}

	send := make(chan interface{}, 1)
	recv := make(chan bool, 1)

	offer := types.ReducerOffer{Host: hello.Host, Port: hello.Port, Send: send, Recv: recv}
	select {
	case r.offers <- offer:
	default:
		// Queue is at capacity; block until a slot frees, same as an
		// unbuffered send would, but logged once so operators can see the
		// backpressure kick in.
		log.Printf("rendezvous: offer queue full, reducer %s:%d parked", hello.Host, hello.Port)
		r.offers <- offer
	}

	// AWAIT_ASSIGN: race assignment-on-send vs any byte/EOF on the conn.
	byteCh := make(chan byte, 1)
	errCh := make(chan error, 1)
	go readOneByte(conn, byteCh, errCh)

	var assigned *types.SearchConfig
	select {
	case v := <-send:
		cfg, ok := v.(*types.SearchConfig)
		if !ok {
			log.Printf("rendezvous: AWAIT_ASSIGN got non-SearchConfig value")
			recv <- false
			return
		}
		assigned = cfg
	case <-byteCh:
		recv <- false
		return
	case <-errCh:
		recv <- false
		return
	}

	if err := writeFramed(conn, assigned); err != nil {
		log.Printf("rendezvous: AWAIT_ASSIGN write failed: %v", err)
		recv <- false
		return
	}

	// AWAIT_START_ACK: one byte, or EOF.
	select {
	case <-byteCh:
		recv <- true
	case <-errCh:
		recv <- false
		return
	}

	// AWAIT_DONE: race (done signal on send) vs (read-side event, which is
	// always a protocol error in this phase).
	byteCh2 := make(chan byte, 1)
	errCh2 := make(chan error, 1)
	go readOneByte(conn, byteCh2, errCh2)

	select {
	case v := <-send:
		ok, _ := v.(bool)
		if !ok {
			// controller-initiated abort
			return
		}
		if err := writeFramed(conn, doneMsg{Done: true}); err != nil {
			log.Printf("rendezvous: AWAIT_DONE write failed: %v", err)
			recv <- false
			return
		}
	case <-byteCh2:
		log.Printf("rendezvous: unexpected read in AWAIT_DONE")
		recv <- false
		return
	case <-errCh2:
		recv <- false
		return
	}

	// AWAIT_FINAL_ACK: one byte, or EOF.
	select {
	case <-byteCh2:
		recv <- true
	case <-errCh2:
		recv <- false
	}
}

func readOneByte(conn net.Conn, out chan<- byte, errOut chan<- error) {
	var b [1]byte
	if _, err := conn.Read(b[:]); err != nil {
		errOut <- err
		return
	}
	out <- b[0]
}
