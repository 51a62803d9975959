package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clawdis/clawdis/internal/channels"
)

// rpcTimeout bounds a single call; signal-cli answers sends in seconds
// even on a slow link.
const rpcTimeout = 30 * time.Second

// rpcError is the JSON-RPC error object signal-cli attaches to a
// failed response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("signal-cli rpc error %d: %s", e.Code, e.Message)
}

// rpcMessage is one newline-framed message on the stdio wire. Responses
// carry an ID, notifications a Method.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcReply struct {
	result json.RawMessage
	err    error
}

// rpcClient multiplexes JSON-RPC calls over the subprocess pipes. The
// session reader owns dispatch; any goroutine may issue calls.
type rpcClient struct {
	stdin   io.Writer
	writeMu sync.Mutex
	timeout time.Duration

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan rpcReply
	failed  error
}

func newRPCClient(stdin io.Writer) *rpcClient {
	return &rpcClient{
		stdin:   stdin,
		timeout: rpcTimeout,
		pending: make(map[int64]chan rpcReply),
	}
}

// call writes one request line and blocks for the matching response.
func (c *rpcClient) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcReply, 1)

	c.mu.Lock()
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, channels.ErrInternal("encode signal-cli request", err)
	}
	c.writeMu.Lock()
	_, err = fmt.Fprintf(c.stdin, "%s\n", data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, channels.ErrTransient("write to signal-cli", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.timeout):
		return nil, channels.ErrTimeout(fmt.Sprintf("signal-cli did not answer %q", method), nil)
	case reply := <-ch:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	}
}

// dispatch routes one stdout line: responses complete their pending
// call, "receive" notifications go to onReceive, everything else is
// dropped. Unknown and malformed lines are silently ignored; signal-cli
// logs chatter on stdout in some configurations.
func (c *rpcClient) dispatch(line []byte, onReceive func(json.RawMessage)) {
	var msg rpcMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	if msg.ID != nil {
		c.mu.Lock()
		ch := c.pending[*msg.ID]
		c.mu.Unlock()
		if ch == nil {
			return
		}
		reply := rpcReply{result: msg.Result}
		if msg.Error != nil {
			reply.err = msg.Error
		}
		// Buffered; a reply racing a timed-out caller never blocks.
		select {
		case ch <- reply:
		default:
		}
		return
	}
	if msg.Method == "receive" && onReceive != nil {
		onReceive(msg.Params)
	}
}

// failPending unblocks every in-flight call once the stream is gone and
// fails all later calls immediately.
func (c *rpcClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = err
	for id, ch := range c.pending {
		select {
		case ch <- rpcReply{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}
