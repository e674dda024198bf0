package api

import (
	"errors"
	"io"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/victornm/bimillog/internal/domain"
)

// sendBuffer bounds how many frames a slow client may fall behind before the
// connection is treated as dead.
const sendBuffer = 16

var errConnClosed = errors.New("stream: connection closed")

// sseConn adapts one server-sent-events response into a registry handle.
type sseConn struct {
	frames chan domain.Frame
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newSSEConn() *sseConn {
	return &sseConn{
		frames: make(chan domain.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *sseConn) Send(f domain.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}

	select {
	case c.frames <- f:
		return nil
	default:
		return errors.New("stream: send buffer full")
	}
}

func (c *sseConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Subscribe opens the live notification stream for the caller. One user may
// hold a stream per device session; resubscribing a session supersedes the
// previous connection.
func (a *API) Subscribe(c *gin.Context) {
	user, ok := identity(c)
	if !ok {
		abortUnauthenticated(c)
		return
	}

	sessionID := c.GetHeader(headerSessionID)
	if sessionID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			abortError(c, err)
			return
		}
		sessionID = id.String()
	}

	conn := newSSEConn()
	a.registry.Register(user, sessionID, conn)
	// Scoped to this handler's own connection: a resubscribe for the same
	// session supersedes it, and unwinding must not tear the new one down.
	defer a.registry.CloseHandle(user, sessionID, conn)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case f := <-conn.frames:
			c.SSEvent("notification", f)
			return true
		case <-conn.done:
			return false
		case <-clientGone:
			return false
		}
	})
}
