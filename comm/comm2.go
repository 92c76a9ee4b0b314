package comm

import (
	"io"
	"sync"
	"time"
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// it is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maxSize int                     // maximum number of connections, == cap(conns)
	timeout time.Duration           // idle time after which all held connections are freed
	conns   chan io.ReadWriteCloser // idle connections
	slots   chan struct{}           // one token per connection that exists or is being made
	maker   CreationFunc

	mu       sync.Mutex
	onLease  int
	reclaim  *time.Timer
	lastUsed time.Time
}

// NewPool returns a pool holding at most maxSize connections made by maker
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		timeout: timeout,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		slots:   make(chan struct{}, maxSize),
		maker:   maker,
	}
}

// Get retrieves a communicator from the pool, blocking until one is
// available if all are in use.  It is guaranteed that there is no contention
// for the ReadWriter.
//
// When done with the communicator, return it with Put(), or discard it with
// Destroy() if it has become no good (e.g., all calls error).
//
// If the error from Get is not nil, you must not return it to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	select {
	case c := <-p.conns:
		p.lease(1)
		return c, nil
	default:
	}
	select {
	case c := <-p.conns:
		p.lease(1)
		return c, nil
	case p.slots <- struct{}{}:
		c, err := p.maker()
		if err != nil {
			<-p.slots
			return nil, err
		}
		p.lease(1)
		return c, nil
	}
}

func (p *Pool) lease(n int) {
	p.mu.Lock()
	p.onLease += n
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// Put restores a communicator to the pool.  It may be reused, or will be
// automatically freed once the pool has been idle for the timeout.
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.lease(-1)
	p.conns <- rwc
	p.armReclaim()
}

// Destroy immediately frees a communicator from the pool.  This should be used
// instead of Put if the communicator has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	if rwc, ok := rw.(io.ReadWriteCloser); ok {
		rwc.Close()
	}
	p.lease(-1)
	<-p.slots
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.slots)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close frees every idle connection.  Connections on lease are closed when
// they are returned and the pool goes idle again
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.reclaim != nil {
		p.reclaim.Stop()
	}
	p.mu.Unlock()
	return p.drain()
}

func (p *Pool) drain() error {
	var first error
	for {
		select {
		case c := <-p.conns:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
			<-p.slots
		default:
			return first
		}
	}
}

func (p *Pool) armReclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reclaim != nil {
		p.reclaim.Stop()
	}
	p.reclaim = time.AfterFunc(p.timeout, func() {
		p.mu.Lock()
		idle := p.onLease == 0 && time.Since(p.lastUsed) >= p.timeout
		p.mu.Unlock()
		if idle {
			p.drain()
		}
	})
}
