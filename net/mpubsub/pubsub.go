// Package mpubsub implements a Multicast PubSub.
// Publish: a CBOR-encoded message is sent to a multicast group.
// Subscribe: a listener receives a message over the network and distributes it to a registered callback.
package mpubsub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/token"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

// Largest datagram we accept. Announcements are well below this.
const maxMessageSize = 8192

type MessageHeader struct {
	ServiceMethod string `cbor:"1,keyasint,omitempty"`
}

type handlerType struct {
	method  reflect.Method
	argType reflect.Type
}

type service struct {
	name    string
	sub     reflect.Value
	typ     reflect.Type
	methods map[string]*handlerType
}

type PubSub struct {
	rc         net.PacketConn
	wc         io.Writer
	serviceMap sync.Map

	errMu   sync.Mutex
	onError func(error)
}

// New creates a PubSub reading datagrams from rconn and publishing through wconn.
// For multicast, rconn comes from net.ListenMulticastUDP and wconn from net.DialUDP to the group.
func New(rconn net.PacketConn, wconn io.Writer) *PubSub {
	return &PubSub{
		rc: rconn,
		wc: wconn,
	}
}

// OnError installs a callback for messages that could not be delivered (malformed, unknown method).
func (ps *PubSub) OnError(f func(error)) {
	ps.errMu.Lock()
	defer ps.errMu.Unlock()
	ps.onError = f
}

func (ps *PubSub) reportError(err error) {
	log.Errorf("mpubsub: %v", err)
	ps.errMu.Lock()
	f := ps.onError
	ps.errMu.Unlock()
	if f != nil {
		f(err)
	}
}

func (ps *PubSub) Register(rcvr any) error {
	s := new(service)
	s.typ = reflect.TypeOf(rcvr)
	s.sub = reflect.ValueOf(rcvr)
	sname := reflect.Indirect(s.sub).Type().Name()
	if sname == "" {
		return fmt.Errorf("mpubsub.Register: no service name for type %s", s.typ.String())
	}
	if !token.IsExported(sname) {
		return fmt.Errorf("mpubsub.Register: type %q is not exported", sname)
	}
	s.name = sname

	// Install the methods
	s.methods = suitableHandlers(s.typ)
	if len(s.methods) == 0 {
		return errors.New("mpubsub.Register: type " + sname + " has no exported methods of suitable type")
	}
	ps.serviceMap.Store(sname, s)

	for m := range s.methods {
		log.Debugf("mpubsub.Register: %s.%s", sname, m)
	}
	return nil
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type, so we need to check the type name as well.
	return token.IsExported(t.Name()) || t.PkgPath() == ""
}

// suitableHandlers picks methods shaped like func(*Msg) with no results.
func suitableHandlers(typ reflect.Type) map[string]*handlerType {
	handlers := make(map[string]*handlerType)
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mtype := method.Type
		if !method.IsExported() {
			continue
		}
		if mtype.NumIn() != 2 || mtype.NumOut() != 0 {
			continue
		}
		argType := mtype.In(1)
		if argType.Kind() != reflect.Pointer || !isExportedOrBuiltinType(argType) {
			continue
		}
		handlers[method.Name] = &handlerType{method: method, argType: argType}
	}
	return handlers
}

func (ps *PubSub) Publish(serviceMethod string, args any) error {
	msg := MessageHeader{
		ServiceMethod: serviceMethod,
	}

	buf := new(bytes.Buffer)
	enc := cbor.NewEncoder(buf)
	if err := enc.Encode(msg); err != nil {
		return err
	}
	if err := enc.Encode(args); err != nil {
		return err
	}
	if buf.Len() > maxMessageSize {
		return fmt.Errorf("mpubsub: message for %s is too large (%d bytes)", serviceMethod, buf.Len())
	}

	_, err := ps.wc.Write(buf.Bytes())
	return err
}

// Listen reads and dispatches messages until ctx is cancelled or the connection fails.
// Malformed messages are reported through OnError and skipped.
func (ps *PubSub) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { ps.rc.Close() })
	defer stop()

	buf := make([]byte, maxMessageSize)
	for {
		n, from, err := ps.rc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("mpubsub: read failed: %w", err)
		}

		if err := ps.dispatch(buf[:n]); err != nil {
			ps.reportError(fmt.Errorf("message from %s: %w", from, err))
		}
	}
}

func (ps *PubSub) dispatch(data []byte) error {
	// Wrap the message in a reader and pass on to CBOR decoder
	dec := cbor.NewDecoder(bytes.NewReader(data))

	var msg MessageHeader
	if err := dec.Decode(&msg); err != nil {
		return fmt.Errorf("failed to unmarshal header: %w", err)
	}

	dot := strings.LastIndex(msg.ServiceMethod, ".")
	if dot < 0 {
		return fmt.Errorf("service/method ill-formed: %q", msg.ServiceMethod)
	}
	serviceName := msg.ServiceMethod[:dot]
	methodName := msg.ServiceMethod[dot+1:]

	svci, ok := ps.serviceMap.Load(serviceName)
	if !ok {
		return fmt.Errorf("can't find service %s", msg.ServiceMethod)
	}
	svc := svci.(*service)

	handler := svc.methods[methodName]
	if handler == nil {
		return fmt.Errorf("can't find method %s", msg.ServiceMethod)
	}

	arg := reflect.New(handler.argType.Elem())
	if err := dec.Decode(arg.Interface()); err != nil {
		return fmt.Errorf("failed to unmarshal arguments for %s: %w", msg.ServiceMethod, err)
	}

	handler.method.Func.Call([]reflect.Value{svc.sub, arg})
	return nil
}
