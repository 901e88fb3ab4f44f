package ingest

import (
	"net"
	"sync"

	"github.com/gigapi/linepipe/lineproto"
	"go.uber.org/zap"
)

// TCPDispatcher accepts line-protocol connections and queues them for the
// I/O workers. One reader goroutine per connection fills the context buffer;
// the context is only re-armed once the worker has made progress, which is
// what carries queue backpressure to the socket.
type TCPDispatcher struct {
	listener  net.Listener
	log       *zap.Logger
	precision string

	ready   chan *ConnContext
	mu      sync.Mutex
	conns   map[*ConnContext]net.Conn
	armed   map[*ConnContext]chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup
}

func NewTCPDispatcher(listener net.Listener, precision string, log *zap.Logger) *TCPDispatcher {
	return &TCPDispatcher{
		listener:  listener,
		log:       log,
		precision: precision,
		ready:     make(chan *ConnContext, 1024),
		conns:     make(map[*ConnContext]net.Conn),
		armed:     make(map[*ConnContext]chan struct{}),
		closing:   make(chan struct{}),
	}
}

func (d *TCPDispatcher) Serve() {
	d.wg.Add(1)
	go d.acceptLoop()
}

func (d *TCPDispatcher) acceptLoop() {
	defer d.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.closing:
				return
			default:
			}
			d.log.Error("accept failed", zap.Error(err))
			return
		}
		c := NewConnContext(d, lineproto.NewInfluxParser(d.precision))
		arm := make(chan struct{}, 1)
		d.mu.Lock()
		d.conns[c] = conn
		d.armed[c] = arm
		d.mu.Unlock()
		d.log.Info("connected", zap.String("conn", c.ID.String()),
			zap.String("remote", conn.RemoteAddr().String()))
		d.wg.Add(1)
		go d.readLoop(c, conn, arm)
		arm <- struct{}{}
	}
}

// readLoop performs one read per arm signal, so an unregistered (parked)
// connection stops consuming from the socket.
func (d *TCPDispatcher) readLoop(c *ConnContext, conn net.Conn, arm chan struct{}) {
	defer d.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-d.closing:
			return
		case _, ok := <-arm:
			if !ok {
				return
			}
		}
		n, err := conn.Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
		}
		if err != nil {
			c.CloseInbound()
			select {
			case d.ready <- c:
			case <-d.closing:
			}
			return
		}
		select {
		case d.ready <- c:
		case <-d.closing:
			return
		}
	}
}

func (d *TCPDispatcher) ProcessIOQueue(p RequestProcessor) bool {
	busy := false
	for {
		select {
		case c := <-d.ready:
			p(IORead, c)
			busy = true
		default:
			return busy
		}
	}
}

func (d *TCPDispatcher) RegisterChannel(c *ConnContext, op IOOperation) {
	d.mu.Lock()
	arm, ok := d.armed[c]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case arm <- struct{}{}:
	default:
	}
}

func (d *TCPDispatcher) Disconnect(c *ConnContext) {
	d.mu.Lock()
	conn, ok := d.conns[c]
	if ok {
		delete(d.conns, c)
		close(d.armed[c])
		delete(d.armed, c)
	}
	d.mu.Unlock()
	if ok {
		conn.Close()
		d.log.Info("disconnected", zap.String("conn", c.ID.String()))
	}
}

func (d *TCPDispatcher) Close() {
	close(d.closing)
	d.listener.Close()
	d.mu.Lock()
	for c, conn := range d.conns {
		conn.Close()
		delete(d.conns, c)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
