package providers

import (
	"context"
	"io"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/mihaisavezi/chat-bridge/internal/transform"
	"github.com/mihaisavezi/chat-bridge/internal/upstream"
)

// webChatStream pulls vendor events only when the caller asks for the next
// chunk, so a slow client slows the vendor read down.
type webChatStream struct {
	dec         *upstream.Decoder
	body        io.Closer
	cancel      context.CancelFunc
	transformer *transform.StreamTransformer
	onFinish    func(parentID string)

	pending  []transform.Chunk
	parentID string
	err      error
	done     bool

	closeOnce sync.Once
}

func newWebChatStream(dec *upstream.Decoder, body io.Closer, cancel context.CancelFunc, opts transform.Options, onFinish func(string)) *webChatStream {
	return &webChatStream{
		dec:         dec,
		body:        body,
		cancel:      cancel,
		transformer: transform.NewStreamTransformer(opts),
		onFinish:    onFinish,
	}
}

func (s *webChatStream) Recv() (*openai.ChatCompletionStreamResponse, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		if s.done {
			return nil, io.EOF
		}
		s.next()
	}

	chunk := s.pending[0]
	s.pending = s.pending[1:]
	return &chunk, nil
}

func (s *webChatStream) next() {
	ev, ok := s.dec.Next()
	if !ok {
		// A stream that ends without a finish marker still completes the turn.
		s.pending = s.transformer.Close()
		s.complete()
		return
	}

	if ev.Kind == upstream.KindConversationCreated && ev.ParentID != "" {
		s.parentID = ev.ParentID
	}

	chunks, err := s.transformer.Transform(ev)
	if err != nil {
		s.err = err
		s.Close()
		return
	}

	s.pending = chunks
	if s.transformer.Finished() {
		s.complete()
	}
}

// complete runs once the terminal chunk exists. Continuity only advances
// here, never after an error or cancellation.
func (s *webChatStream) complete() {
	s.done = true
	if s.parentID != "" && s.onFinish != nil {
		s.onFinish(s.parentID)
	}
	s.Close()
}

func (s *webChatStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
		s.cancel()
	})
	return err
}
