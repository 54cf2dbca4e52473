package capnweb

import (
	"context"
	"reflect"
	"sync"
	"unicode"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/itaylor/react-capnweb/errors"
)

var wireCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// wireFrame is one message of the default JSON session protocol. A frame with
// a method is a request; anything else is a response to the frame with the
// same id.
type wireFrame struct {
	ID     string                `json:"id"`
	Method string                `json:"method,omitempty"`
	Params []jsoniter.RawMessage `json:"params,omitempty"`
	Result jsoniter.RawMessage   `json:"result,omitempty"`
	Error  *wireError            `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type callResult struct {
	value any
	err   error
}

// jsonSession is the default Session implementation: JSON-framed calls with
// per-call correlation ids, reverse-call dispatch into the local callable,
// and disposal that fails every pending call.
type jsonSession struct {
	ch    Channel
	local any

	mu       sync.Mutex
	pending  map[string]chan callResult
	disposed bool
}

// BindJSONSession binds the default JSON session to a channel. It is the
// default SessionBinder.
func BindJSONSession(ch Channel, opts SessionOptions) (Session, error) {
	s := &jsonSession{
		ch:      ch,
		local:   opts.LocalCallable,
		pending: make(map[string]chan callResult),
	}

	ch.OnMessage(s.handleMessage)
	ch.OnClose(func(reason string) {
		s.failPending(errors.ErrChannelClosed(reason))
	})

	return s, nil
}

func (s *jsonSession) Stub() Stub {
	return &sessionStub{s: s}
}

// Dispose fails every pending call and rejects all further calls. Idempotent.
func (s *jsonSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()

		return
	}

	s.disposed = true
	s.mu.Unlock()

	s.failPending(errors.ErrSessionDisposed(""))
}

func (s *jsonSession) failPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan callResult)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: err}
	}
}

type sessionStub struct {
	s *jsonSession
}

func (st *sessionStub) Call(ctx context.Context, method string, args ...any) (any, error) {
	s := st.s

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()

		return nil, errors.ErrSessionDisposed("")
	}

	id := uuid.NewString()
	resultCh := make(chan callResult, 1)
	s.pending[id] = resultCh
	s.mu.Unlock()

	frame := wireFrame{ID: id, Method: method}
	for _, arg := range args {
		encoded, err := wireCodec.Marshal(arg)
		if err != nil {
			s.removePending(id)

			return nil, errors.ErrInvalidCall(method, err)
		}

		frame.Params = append(frame.Params, encoded)
	}

	data, err := wireCodec.Marshal(frame)
	if err != nil {
		s.removePending(id)

		return nil, errors.ErrInvalidCall(method, err)
	}

	if err := s.ch.Send(data); err != nil {
		s.removePending(id)

		return nil, errors.ErrNotConnected("call to '" + method + "'")
	}

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-ctx.Done():
		s.removePending(id)

		return nil, ctx.Err()
	}
}

func (s *jsonSession) removePending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, id)
}

func (s *jsonSession) handleMessage(data []byte) {
	var frame wireFrame
	if err := wireCodec.Unmarshal(data, &frame); err != nil {
		return
	}

	if frame.Method != "" {
		// Reverse call from the peer. Dispatched off the read path so a
		// handler that calls back over the same channel cannot deadlock it.
		go s.handleRequest(frame)

		return
	}

	s.mu.Lock()
	resultCh, ok := s.pending[frame.ID]
	if ok {
		delete(s.pending, frame.ID)
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if frame.Error != nil {
		resultCh <- callResult{err: errors.ErrRemoteError(frame.Error.Message)}

		return
	}

	var value any
	if len(frame.Result) > 0 {
		if err := wireCodec.Unmarshal(frame.Result, &value); err != nil {
			resultCh <- callResult{err: errors.ErrInvalidCall(frame.ID, err)}

			return
		}
	}

	resultCh <- callResult{value: value}
}

func (s *jsonSession) handleRequest(frame wireFrame) {
	value, err := s.dispatch(frame.Method, frame.Params)

	reply := wireFrame{ID: frame.ID}
	if err != nil {
		reply.Error = &wireError{Message: err.Error()}
	} else if value != nil {
		encoded, merr := wireCodec.Marshal(value)
		if merr != nil {
			reply.Error = &wireError{Message: merr.Error()}
		} else {
			reply.Result = encoded
		}
	}

	data, err := wireCodec.Marshal(reply)
	if err != nil {
		return
	}

	_ = s.ch.Send(data)
}

// dispatch resolves a reverse call against the local callable by method name.
// The wire name "add" maps to the exported Go method "Add".
func (s *jsonSession) dispatch(method string, params []jsoniter.RawMessage) (any, error) {
	if s.local == nil {
		return nil, errors.ErrInvalidCall(method, errors.New("no local callable configured"))
	}

	target := reflect.ValueOf(s.local)

	fn := target.MethodByName(method)
	if !fn.IsValid() {
		fn = target.MethodByName(exportedName(method))
	}

	if !fn.IsValid() {
		return nil, errors.ErrInvalidCall(method, errors.New("method not found"))
	}

	fnType := fn.Type()
	if fnType.NumIn() != len(params) {
		return nil, errors.ErrInvalidCall(method, errors.New("argument count mismatch"))
	}

	args := make([]reflect.Value, len(params))
	for i, raw := range params {
		arg := reflect.New(fnType.In(i))
		if err := wireCodec.Unmarshal(raw, arg.Interface()); err != nil {
			return nil, errors.ErrInvalidCall(method, err)
		}

		args[i] = arg.Elem()
	}

	out := fn.Call(args)

	var result any

	for _, v := range out {
		if v.Type() == errorType {
			if !v.IsNil() {
				return nil, v.Interface().(error)
			}

			continue
		}

		result = v.Interface()
	}

	return result, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

func exportedName(method string) string {
	if method == "" {
		return method
	}

	runes := []rune(method)
	runes[0] = unicode.ToUpper(runes[0])

	return string(runes)
}
